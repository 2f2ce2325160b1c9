package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	BotToken       string `env:"BOT_TOKEN"`
	TelegramAPIURL string `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`

	SheetsURL   string `env:"GOOGLE_SHEETS_URL"`
	CredsPath   string `env:"GOOGLE_CREDS_PATH" envDefault:"credentials.json"`
	RosterFile  string `env:"ROSTER_FILE"`
	RosterSheet string `env:"ROSTER_SHEET" envDefault:"Roster"`
	ChatsSheet  string `env:"CHATS_SHEET" envDefault:"Chats"`

	StateDSN       string `env:"STATE_DSN" envDefault:"state.json"`
	InviteStoreDSN string `env:"INVITE_STORE_DSN" envDefault:"invite_links.json"`

	SyncInterval       time.Duration `env:"SYNC_INTERVAL" envDefault:"10s"`
	SyncIntervalJitter float64       `env:"SYNC_INTERVAL_JITTER" envDefault:"0"`
	QuotaCooldown      time.Duration `env:"QUOTA_COOLDOWN" envDefault:"60s"`
	ErrorCooldown      time.Duration `env:"ERROR_COOLDOWN" envDefault:"1s"`
	DebounceWindow     time.Duration `env:"DEBOUNCE_WINDOW" envDefault:"10s"`
	ResyncSchedule     string        `env:"RESYNC_SCHEDULE"`
	NotifyRate         float64       `env:"NOTIFY_RATE" envDefault:"20"`
	HTTPTimeout        time.Duration `env:"HTTP_TIMEOUT" envDefault:"15s"`
	GuardEnabled       bool          `env:"GUARD_ENABLED" envDefault:"false"`
	MemoryLogEvery     int           `env:"MEMORY_LOG_EVERY" envDefault:"50"`
}

// Load reads envFile when it exists and then parses the environment.
// Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	envFile = strings.TrimSpace(envFile)
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings needed by the long-running sync.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return errors.New("BOT_TOKEN is required")
	}
	if err := c.ValidateRoster(); err != nil {
		return err
	}
	if c.SyncInterval <= 0 {
		return errors.New("SYNC_INTERVAL must be positive")
	}
	if c.SyncIntervalJitter < 0 || c.SyncIntervalJitter > 1 {
		return errors.New("SYNC_INTERVAL_JITTER must be between 0 and 1")
	}
	if c.QuotaCooldown <= 0 {
		return errors.New("QUOTA_COOLDOWN must be positive")
	}
	if c.ErrorCooldown <= 0 {
		return errors.New("ERROR_COOLDOWN must be positive")
	}
	if c.DebounceWindow <= 0 {
		return errors.New("DEBOUNCE_WINDOW must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("HTTP_TIMEOUT must be positive")
	}
	if c.MemoryLogEvery < 0 {
		return errors.New("MEMORY_LOG_EVERY must not be negative")
	}
	return nil
}

// ValidateRoster checks that exactly one roster location is configured.
func (c Config) ValidateRoster() error {
	sheets := strings.TrimSpace(c.SheetsURL) != ""
	file := strings.TrimSpace(c.RosterFile) != ""
	switch {
	case sheets && file:
		return errors.New("GOOGLE_SHEETS_URL and ROSTER_FILE are mutually exclusive")
	case !sheets && !file:
		return errors.New("one of GOOGLE_SHEETS_URL or ROSTER_FILE is required")
	case sheets && strings.TrimSpace(c.CredsPath) == "":
		return errors.New("GOOGLE_CREDS_PATH is required with GOOGLE_SHEETS_URL")
	}
	return nil
}

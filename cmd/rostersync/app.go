package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/agentworkforce/rostersync/internal/access"
	"github.com/agentworkforce/rostersync/internal/config"
	"github.com/agentworkforce/rostersync/internal/invites"
	"github.com/agentworkforce/rostersync/internal/notify"
	"github.com/agentworkforce/rostersync/internal/roster"
	"github.com/agentworkforce/rostersync/internal/sheets"
	"github.com/agentworkforce/rostersync/internal/state"
	"github.com/agentworkforce/rostersync/internal/syncer"
	"github.com/agentworkforce/rostersync/internal/telegram"
)

// app holds the wired components for one command invocation. Fields stay
// nil when the command did not ask for them.
type app struct {
	cfg    config.Config
	logger *log.Logger

	workbook *sheets.FileWorkbook
	source   *roster.Source
	backend  state.Backend
	store    *state.Store
	platform *telegram.Client
	links    *invites.Manager
	linkDB   invites.Store
	enforcer *access.Enforcer
	notifier *notify.Dispatcher
}

func newApp(cfg config.Config, logger *log.Logger) *app {
	return &app{cfg: cfg, logger: logger}
}

func (a *app) httpClient() *http.Client {
	return &http.Client{Timeout: a.cfg.HTTPTimeout}
}

func (a *app) openState() error {
	backend, err := state.BuildBackendFromDSN(a.cfg.StateDSN)
	if err != nil {
		return fmt.Errorf("open state backend: %w", err)
	}
	a.backend = backend
	a.store = state.NewStore(state.StoreOptions{Backend: backend, Logger: a.logger})
	count := a.store.Load()
	a.logger.Printf("state loaded: %d users", count)
	return nil
}

func (a *app) openRoster() error {
	if err := a.cfg.ValidateRoster(); err != nil {
		return err
	}
	var capability roster.Capability
	if a.cfg.RosterFile != "" {
		workbook, err := sheets.NewFileWorkbook(a.cfg.RosterFile, a.logger)
		if err != nil {
			return fmt.Errorf("open roster file: %w", err)
		}
		a.workbook = workbook
		capability = workbook
	} else {
		spreadsheetID, err := sheets.SpreadsheetIDFromURL(a.cfg.SheetsURL)
		if err != nil {
			return err
		}
		tokens, err := sheets.LoadServiceAccountTokenSource(a.cfg.CredsPath, a.httpClient())
		if err != nil {
			return err
		}
		client, err := sheets.NewClient(sheets.ClientOptions{
			SpreadsheetID: spreadsheetID,
			Tokens:        tokens,
			HTTPClient:    a.httpClient(),
			Logger:        a.logger,
		})
		if err != nil {
			return err
		}
		capability = client
	}
	source, err := roster.NewSource(capability, roster.SourceOptions{
		EntitlementsSheet: a.cfg.RosterSheet,
		MappingSheet:      a.cfg.ChatsSheet,
		DebounceWindow:    a.cfg.DebounceWindow,
		Logger:            a.logger,
	})
	if err != nil {
		return err
	}
	a.source = source
	return nil
}

func (a *app) openPlatform() error {
	platform, err := telegram.NewClient(telegram.ClientOptions{
		BaseURL:    a.cfg.TelegramAPIURL,
		Token:      a.cfg.BotToken,
		HTTPClient: a.httpClient(),
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	linkDB, err := invites.BuildStoreFromDSN(a.cfg.InviteStoreDSN, a.logger)
	if err != nil {
		return fmt.Errorf("open invite store: %w", err)
	}
	links, err := invites.NewManager(invites.ManagerOptions{
		Store:    linkDB,
		Platform: platform,
		Logger:   a.logger,
	})
	if err != nil {
		_ = invites.CloseStore(linkDB)
		return err
	}
	a.platform = platform
	a.linkDB = linkDB
	a.links = links
	a.enforcer = access.NewEnforcer(platform, links, a.logger)
	a.notifier = notify.NewDispatcher(platform, notify.DispatcherOptions{Rate: a.cfg.NotifyRate, Logger: a.logger})
	return nil
}

func (a *app) worker() (*syncer.Worker, error) {
	return syncer.NewWorker(a.source, a.store, a.enforcer, a.notifier, syncer.WorkerOptions{
		Interval:       a.cfg.SyncInterval,
		IntervalJitter: a.cfg.SyncIntervalJitter,
		QuotaCooldown:  a.cfg.QuotaCooldown,
		ErrorCooldown:  a.cfg.ErrorCooldown,
		MemoryLogEvery: a.cfg.MemoryLogEvery,
		Logger:         a.logger,
	})
}

func (a *app) Close() error {
	var errs []error
	if a.linkDB != nil {
		errs = append(errs, invites.CloseStore(a.linkDB))
	}
	if a.backend != nil {
		errs = append(errs, state.CloseBackend(a.backend))
	}
	return errors.Join(errs...)
}

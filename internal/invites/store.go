package invites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/rostersync/internal/roster"
)

var ErrInvalidInput = errors.New("invalid input")

type StoredInviteLink struct {
	ChatID    roster.ChatID `json:"chat_id"`
	UserID    int64         `json:"user_id"`
	Link      string        `json:"link"`
	ExpiresAt *time.Time    `json:"expires_at"`
}

func (l StoredInviteLink) Key() string {
	return Key(l.UserID, l.ChatID)
}

func (l StoredInviteLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

func Key(userID int64, chatID roster.ChatID) string {
	return strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(int64(chatID), 10)
}

type Store interface {
	Get(ctx context.Context, key string) (StoredInviteLink, bool, error)
	Put(ctx context.Context, link StoredInviteLink) error
	Delete(ctx context.Context, key string) error
}

type Logger interface {
	Printf(format string, args ...any)
}

func CloseStore(store Store) error {
	if closer, ok := store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

type MemoryStore struct {
	mu    sync.Mutex
	links map[string]StoredInviteLink
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{links: map[string]StoredInviteLink{}}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (StoredInviteLink, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[key]
	return link, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, link StoredInviteLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link.Key()] = link
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, key)
	return nil
}

// FileStore keeps every link in one JSON object keyed by "{user}:{chat}".
// The file is re-read on each call and rewritten atomically.
type FileStore struct {
	path   string
	logger Logger
	mu     sync.Mutex
}

func NewFileStore(path string, logger Logger) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileStore{path: path, logger: logger}, nil
}

func (s *FileStore) Get(ctx context.Context, key string) (StoredInviteLink, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	links, err := s.readLocked()
	if err != nil {
		return StoredInviteLink{}, false, err
	}
	link, ok := links[key]
	return link, ok, nil
}

func (s *FileStore) Put(ctx context.Context, link StoredInviteLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	links, err := s.readLocked()
	if err != nil {
		return err
	}
	links[link.Key()] = link
	return s.writeLocked(links)
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	links, err := s.readLocked()
	if err != nil {
		return err
	}
	if _, ok := links[key]; !ok {
		return nil
	}
	delete(links, key)
	return s.writeLocked(links)
}

func (s *FileStore) readLocked() (map[string]StoredInviteLink, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]StoredInviteLink{}, nil
		}
		return nil, err
	}
	links := map[string]StoredInviteLink{}
	if err := json.Unmarshal(data, &links); err != nil {
		if s.logger != nil {
			s.logger.Printf("invite store %s is corrupt, treating as empty: %v", s.path, err)
		}
		return map[string]StoredInviteLink{}, nil
	}
	if links == nil {
		links = map[string]StoredInviteLink{}
	}
	return links, nil
}

func (s *FileStore) writeLocked(links map[string]StoredInviteLink) error {
	data, err := json.MarshalIndent(links, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// BuildStoreFromDSN picks an invite store by DSN scheme: a bare path or
// file:// for JSON, memory:// and redis:// or rediss://.
func BuildStoreFromDSN(dsn string, logger Logger) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "":
		return NewFileStore(dsn, logger)
	case "file":
		path := parsed.Path
		if parsed.Host != "" {
			path = parsed.Host + path
		}
		return NewFileStore(path, logger)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "redis", "rediss":
		return NewRedisStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported invite store scheme: %s", scheme)
	}
}

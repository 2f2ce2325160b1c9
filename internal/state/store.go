package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agentworkforce/rostersync/internal/roster"
)

type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	Backend Backend
	Logger  Logger
}

// Store owns the current roster snapshot. Replace is the only mutation
// entry point and swaps the whole snapshot at once.
type Store struct {
	backend Backend
	logger  Logger

	replaceMu sync.Mutex
	mu        sync.RWMutex
	current   roster.Snapshot
}

func NewStore(opts StoreOptions) *Store {
	return &Store{
		backend: opts.Backend,
		logger:  opts.Logger,
		current: roster.Snapshot{},
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() roster.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Replace validates records and swaps them in as the current state. Nothing
// is applied when validation fails.
func (s *Store) Replace(records []roster.UserRecord) error {
	s.replaceMu.Lock()
	defer s.replaceMu.Unlock()

	next, err := buildSnapshot(records)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return nil
}

// Persist writes the current snapshot to the backend as a list ordered by
// user id.
func (s *Store) Persist() error {
	if s.backend == nil {
		return nil
	}
	s.replaceMu.Lock()
	defer s.replaceMu.Unlock()
	records := s.Snapshot().Records()
	if err := s.backend.Save(records); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// Load restores the persisted snapshot. Missing, unreadable or malformed
// storage leaves the store empty.
func (s *Store) Load() int {
	if s.backend == nil {
		return 0
	}
	records, err := s.backend.Load()
	if err != nil {
		s.logf("snapshot unreadable, starting from empty state: %v", err)
		return 0
	}
	if records == nil {
		s.logf("no persisted snapshot; it will be created after the first sync")
		return 0
	}
	if err := s.Replace(records); err != nil {
		s.logf("persisted snapshot rejected, starting from empty state: %v", err)
		return 0
	}
	return len(records)
}

func (s *Store) Get(userID int64) (roster.UserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Get(userID)
}

func (s *Store) HasChat(userID int64, chatID roster.ChatID) bool {
	record, ok := s.Get(userID)
	return ok && record.HasChat(chatID)
}

// ManagedChats lists every chat at least one user is entitled to.
func (s *Store) ManagedChats() []roster.ChatID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[roster.ChatID]struct{}{}
	for _, record := range s.current {
		for _, chatID := range record.Chats {
			seen[chatID] = struct{}{}
		}
	}
	out := make([]roster.ChatID, 0, len(seen))
	for chatID := range seen {
		out = append(out, chatID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.current)
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func buildSnapshot(records []roster.UserRecord) (roster.Snapshot, error) {
	next := make(roster.Snapshot, len(records))
	for _, record := range records {
		if record.ID <= 0 {
			return nil, fmt.Errorf("%w: user id %d is not positive", ErrInvalidRecord, record.ID)
		}
		key := roster.Key(record.ID)
		if _, dup := next[key]; dup {
			return nil, fmt.Errorf("%w: duplicate user id %d", ErrInvalidRecord, record.ID)
		}
		seen := make(map[roster.ChatID]struct{}, len(record.Chats))
		for _, chatID := range record.Chats {
			if _, dup := seen[chatID]; dup {
				return nil, fmt.Errorf("%w: user %d lists chat %d twice", ErrInvalidRecord, record.ID, chatID)
			}
			seen[chatID] = struct{}{}
		}
		next[key] = record.Clone()
	}
	return next, nil
}

package invites

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/rostersync/internal/chatapi"
	"github.com/agentworkforce/rostersync/internal/roster"
)

type ManagerOptions struct {
	Store    Store
	Platform chatapi.Platform
	Logger   Logger
	Now      func() time.Time
}

// Manager hands out one single-use invite link per (user, chat) and reuses
// it until the user has joined or the link expired.
type Manager struct {
	store    Store
	platform chatapi.Platform
	logger   Logger
	now      func() time.Time

	mu sync.Mutex
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Platform == nil {
		return nil, errors.New("invites: platform is required")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:    opts.Store,
		platform: opts.Platform,
		logger:   opts.Logger,
		now:      opts.Now,
	}, nil
}

func (m *Manager) GetLink(ctx context.Context, userID int64, chatID roster.ChatID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(userID, chatID)
	stored, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read invite %s: %w", key, err)
	}
	if ok && stored.Link != "" && !stored.Expired(m.now()) {
		if m.unconsumed(ctx, userID, chatID) {
			return stored.Link, nil
		}
	}

	invite, err := m.platform.CreateInviteLink(ctx, chatID, chatapi.InviteOptions{
		Name:        fmt.Sprintf("rostersync:%d", userID),
		MemberLimit: 1,
	})
	if err != nil {
		return "", fmt.Errorf("create invite for chat %d: %w", chatID, err)
	}
	record := StoredInviteLink{ChatID: chatID, UserID: userID, Link: invite.Link}
	if !invite.ExpireAt.IsZero() {
		expires := invite.ExpireAt.UTC()
		record.ExpiresAt = &expires
	}
	if err := m.store.Put(ctx, record); err != nil {
		m.logf("invite for %s minted but not stored: %v", key, err)
	}
	return invite.Link, nil
}

// Reset forgets the stored link so the next grant mints a fresh one.
func (m *Manager) Reset(ctx context.Context, userID int64, chatID roster.ChatID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Delete(ctx, Key(userID, chatID)); err != nil {
		return fmt.Errorf("reset invite %s: %w", Key(userID, chatID), err)
	}
	return nil
}

// unconsumed treats a failed status lookup as "not yet used".
func (m *Manager) unconsumed(ctx context.Context, userID int64, chatID roster.ChatID) bool {
	status, err := m.platform.GetMemberStatus(ctx, chatID, userID)
	if err != nil {
		m.logf("member status for %d in %d unavailable, reusing stored link: %v", userID, chatID, err)
		return true
	}
	return !status.InChat()
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

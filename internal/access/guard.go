package access

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/rostersync/internal/chatapi"
	"github.com/agentworkforce/rostersync/internal/remote"
	"github.com/agentworkforce/rostersync/internal/roster"
)

type UpdateSource interface {
	MemberUpdates(ctx context.Context, offset int64) ([]chatapi.MemberUpdate, int64, error)
}

type GuardOptions struct {
	ErrorDelay     time.Duration
	RateLimitDelay time.Duration
	Logger         Logger
}

// Guard removes users who join a managed chat without being entitled to it.
type Guard struct {
	entitlements   Entitlements
	enforcer       *Enforcer
	errorDelay     time.Duration
	rateLimitDelay time.Duration
	logger         Logger
}

func NewGuard(entitlements Entitlements, enforcer *Enforcer, opts GuardOptions) *Guard {
	if opts.ErrorDelay <= 0 {
		opts.ErrorDelay = time.Second
	}
	if opts.RateLimitDelay <= 0 {
		opts.RateLimitDelay = 60 * time.Second
	}
	return &Guard{
		entitlements:   entitlements,
		enforcer:       enforcer,
		errorDelay:     opts.ErrorDelay,
		rateLimitDelay: opts.RateLimitDelay,
		logger:         opts.Logger,
	}
}

// Handle reports whether the update led to a kick.
func (g *Guard) Handle(ctx context.Context, update chatapi.MemberUpdate) (bool, error) {
	if !update.Joined() {
		return false, nil
	}
	if update.IsBot || !g.managed(update.ChatID) {
		return false, nil
	}
	if g.entitlements.HasChat(update.UserID, update.ChatID) {
		g.logf("guard: user %d joined chat %d, access confirmed", update.UserID, update.ChatID)
		return false, nil
	}
	if err := g.enforcer.Kick(ctx, update.ChatID, update.UserID); err != nil {
		return false, err
	}
	g.logf("guard: user %d removed from chat %d, not on the roster", update.UserID, update.ChatID)
	return true, nil
}

// Run polls source until ctx is done.
func (g *Guard) Run(ctx context.Context, source UpdateSource) error {
	var offset int64
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, next, err := source.MemberUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := g.errorDelay
			if errors.Is(err, remote.ErrRateLimited) {
				delay = g.rateLimitDelay
			}
			g.logf("guard: poll failed, retrying in %s: %v", delay, err)
			if waitErr := remote.Wait(ctx, delay); waitErr != nil {
				return nil
			}
			continue
		}
		offset = next
		for _, update := range updates {
			if _, err := g.Handle(ctx, update); err != nil {
				g.logf("guard: could not remove user %d from chat %d: %v", update.UserID, update.ChatID, err)
			}
		}
	}
}

func (g *Guard) managed(chatID roster.ChatID) bool {
	for _, managed := range g.entitlements.ManagedChats() {
		if managed == chatID {
			return true
		}
	}
	return false
}

func (g *Guard) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}

package access

import (
	"context"
	"fmt"
	"time"

	"github.com/agentworkforce/rostersync/internal/chatapi"
	"github.com/agentworkforce/rostersync/internal/roster"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Entitlements is the read side of the state store.
type Entitlements interface {
	Get(userID int64) (roster.UserRecord, bool)
	HasChat(userID int64, chatID roster.ChatID) bool
	ManagedChats() []roster.ChatID
}

type LinkIssuer interface {
	GetLink(ctx context.Context, userID int64, chatID roster.ChatID) (string, error)
	Reset(ctx context.Context, userID int64, chatID roster.ChatID) error
}

// Outcome records what Apply managed to do for one event.
type Outcome struct {
	Event  roster.ChangeEvent
	Links  map[roster.ChatID]string
	Failed []roster.ChatID
}

func (o Outcome) Succeeded(chatID roster.ChatID) bool {
	for _, failed := range o.Failed {
		if failed == chatID {
			return false
		}
	}
	return true
}

type Enforcer struct {
	platform chatapi.Platform
	links    LinkIssuer
	logger   Logger
}

func NewEnforcer(platform chatapi.Platform, links LinkIssuer, logger Logger) *Enforcer {
	return &Enforcer{platform: platform, links: links, logger: logger}
}

// Apply grants added chats and revokes removed ones. Each chat is handled
// independently; a failure is logged and recorded in the outcome.
func (e *Enforcer) Apply(ctx context.Context, event roster.ChangeEvent) Outcome {
	outcome := Outcome{
		Event: event,
		Links: make(map[roster.ChatID]string, len(event.Added)),
	}
	for _, chatID := range event.Added {
		link, err := e.Grant(ctx, event.UserID, chatID)
		if err != nil {
			e.logf("grant chat %d to user %d failed: %v", chatID, event.UserID, err)
			outcome.Failed = append(outcome.Failed, chatID)
			continue
		}
		outcome.Links[chatID] = link
	}
	for _, chatID := range event.Removed {
		if err := e.Revoke(ctx, event.UserID, chatID); err != nil {
			e.logf("revoke chat %d from user %d failed: %v", chatID, event.UserID, err)
			outcome.Failed = append(outcome.Failed, chatID)
		}
	}
	return outcome
}

// Grant lifts any ban and returns an invite link for the chat.
func (e *Enforcer) Grant(ctx context.Context, userID int64, chatID roster.ChatID) (string, error) {
	if err := e.platform.Unban(ctx, chatID, userID, true); err != nil {
		e.logf("clear ban for user %d in chat %d: %v", userID, chatID, err)
	}
	return e.links.GetLink(ctx, userID, chatID)
}

// Revoke removes the user from the chat and forgets their invite link. The
// link is reset even when the kick fails.
func (e *Enforcer) Revoke(ctx context.Context, userID int64, chatID roster.ChatID) error {
	kickErr := e.Kick(ctx, chatID, userID)
	if err := e.links.Reset(ctx, userID, chatID); err != nil {
		e.logf("reset invite for user %d in chat %d: %v", userID, chatID, err)
	}
	return kickErr
}

// Kick is a ban that expires immediately, followed by an unban so the user
// can rejoin on a later grant.
func (e *Enforcer) Kick(ctx context.Context, chatID roster.ChatID, userID int64) error {
	if err := e.platform.Ban(ctx, chatID, userID, time.Time{}); err != nil {
		return fmt.Errorf("kick: %w", err)
	}
	if err := e.platform.Unban(ctx, chatID, userID, false); err != nil {
		e.logf("unban after kick for user %d in chat %d: %v", userID, chatID, err)
	}
	return nil
}

func (e *Enforcer) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

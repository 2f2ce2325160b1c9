package access

import (
	"context"
	"errors"

	"github.com/agentworkforce/rostersync/internal/chatapi"
	"github.com/agentworkforce/rostersync/internal/roster"
)

var ErrNoAccess = errors.New("user is not on the roster")

type ChatAccess struct {
	ChatID roster.ChatID `json:"chat_id"`
	Title  string        `json:"title"`
	Link   string        `json:"link"`
}

type Access struct {
	User  roster.UserRecord `json:"user"`
	Chats []ChatAccess      `json:"chats"`
}

// Resolver answers "which chats may this user join, and how" on demand.
type Resolver struct {
	entitlements Entitlements
	platform     chatapi.Platform
	enforcer     *Enforcer
	logger       Logger
}

func NewResolver(entitlements Entitlements, platform chatapi.Platform, enforcer *Enforcer, logger Logger) *Resolver {
	return &Resolver{entitlements: entitlements, platform: platform, enforcer: enforcer, logger: logger}
}

// ResolveAccess lists the user's chats with titles and invite links. Chats
// whose title or link cannot be obtained are left out.
func (r *Resolver) ResolveAccess(ctx context.Context, userID int64) (Access, error) {
	record, ok := r.entitlements.Get(userID)
	if !ok {
		return Access{}, ErrNoAccess
	}
	out := Access{User: record, Chats: make([]ChatAccess, 0, len(record.Chats))}
	for _, chatID := range record.Chats {
		chat, err := r.platform.GetChat(ctx, chatID)
		if err != nil {
			r.logf("resolve access: chat %d unavailable: %v", chatID, err)
			continue
		}
		link, err := r.enforcer.Grant(ctx, userID, chatID)
		if err != nil {
			r.logf("resolve access: no link for user %d in chat %d: %v", userID, chatID, err)
			continue
		}
		out.Chats = append(out.Chats, ChatAccess{ChatID: chatID, Title: chat.Title, Link: link})
	}
	return out, nil
}

func (r *Resolver) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

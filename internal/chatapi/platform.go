package chatapi

import (
	"context"
	"time"

	"github.com/agentworkforce/rostersync/internal/roster"
)

type MemberStatus string

const (
	StatusCreator       MemberStatus = "creator"
	StatusAdministrator MemberStatus = "administrator"
	StatusMember        MemberStatus = "member"
	StatusRestricted    MemberStatus = "restricted"
	StatusLeft          MemberStatus = "left"
	StatusKicked        MemberStatus = "kicked"
)

// InChat reports whether the status means the user currently occupies a seat
// in the chat.
func (s MemberStatus) InChat() bool {
	switch s {
	case StatusCreator, StatusAdministrator, StatusMember, StatusRestricted:
		return true
	default:
		return false
	}
}

type Chat struct {
	ID    roster.ChatID `json:"id"`
	Title string        `json:"title"`
	Type  string        `json:"type"`
}

type InviteOptions struct {
	Name        string
	MemberLimit int
	ExpireAt    time.Time
}

type Invite struct {
	Link     string
	ExpireAt time.Time
}

type MemberUpdate struct {
	UpdateID  int64
	ChatID    roster.ChatID
	UserID    int64
	Username  string
	IsBot     bool
	OldStatus MemberStatus
	NewStatus MemberStatus
}

// Joined reports that the user has just become a plain member. Promotions
// and restrictions of existing members are not joins.
func (u MemberUpdate) Joined() bool {
	return u.NewStatus == StatusMember && u.OldStatus != StatusMember
}

// Platform is the chat platform capability the engine drives. Errors are
// expected to carry the remote taxonomy.
type Platform interface {
	GetChat(ctx context.Context, chatID roster.ChatID) (Chat, error)
	CreateInviteLink(ctx context.Context, chatID roster.ChatID, opts InviteOptions) (Invite, error)
	GetMemberStatus(ctx context.Context, chatID roster.ChatID, userID int64) (MemberStatus, error)
	Ban(ctx context.Context, chatID roster.ChatID, userID int64, until time.Time) error
	Unban(ctx context.Context, chatID roster.ChatID, userID int64, onlyIfBanned bool) error
	SendMessage(ctx context.Context, userID int64, html string) error
}

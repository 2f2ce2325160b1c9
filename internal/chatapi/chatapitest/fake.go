package chatapitest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/rostersync/internal/chatapi"
	"github.com/agentworkforce/rostersync/internal/roster"
)

var _ chatapi.Platform = (*Fake)(nil)

type Call struct {
	Method string
	ChatID roster.ChatID
	UserID int64
	Flag   bool
}

type SentMessage struct {
	UserID int64
	HTML   string
}

// Fake is an in-memory chatapi.Platform used by tests across the module. Per-method
// errors can be injected through the exported maps.
type Fake struct {
	mu sync.Mutex

	Chats    map[roster.ChatID]chatapi.Chat
	Statuses map[string]chatapi.MemberStatus

	GetChatErr map[roster.ChatID]error
	InviteErr  map[roster.ChatID]error
	StatusErr  map[roster.ChatID]error
	BanErr     map[roster.ChatID]error
	UnbanErr   map[roster.ChatID]error
	SendErr    map[int64]error
	Requested  []chatapi.InviteOptions

	Calls    []Call
	Messages []SentMessage
	minted   int
}

func NewFake() *Fake {
	return &Fake{
		Chats:      map[roster.ChatID]chatapi.Chat{},
		Statuses:   map[string]chatapi.MemberStatus{},
		GetChatErr: map[roster.ChatID]error{},
		InviteErr:  map[roster.ChatID]error{},
		StatusErr:  map[roster.ChatID]error{},
		BanErr:     map[roster.ChatID]error{},
		UnbanErr:   map[roster.ChatID]error{},
		SendErr:    map[int64]error{},
	}
}

func statusKey(chatID roster.ChatID, userID int64) string {
	return fmt.Sprintf("%d:%d", chatID, userID)
}

func (f *Fake) SetStatus(chatID roster.ChatID, userID int64, status chatapi.MemberStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Statuses[statusKey(chatID, userID)] = status
}

func (f *Fake) CallsFor(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, call := range f.Calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

func (f *Fake) SentMessages() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.Messages...)
}

func (f *Fake) MintedLinks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minted
}

func (f *Fake) GetChat(ctx context.Context, chatID roster.ChatID) (chatapi.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "GetChat", ChatID: chatID})
	if err := f.GetChatErr[chatID]; err != nil {
		return chatapi.Chat{}, err
	}
	chat, ok := f.Chats[chatID]
	if !ok {
		return chatapi.Chat{ID: chatID, Title: fmt.Sprintf("chat %d", chatID)}, nil
	}
	return chat, nil
}

func (f *Fake) CreateInviteLink(ctx context.Context, chatID roster.ChatID, opts chatapi.InviteOptions) (chatapi.Invite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "CreateInviteLink", ChatID: chatID})
	if err := f.InviteErr[chatID]; err != nil {
		return chatapi.Invite{}, err
	}
	f.minted++
	f.Requested = append(f.Requested, opts)
	return chatapi.Invite{Link: fmt.Sprintf("https://t.me/+fake%d_%d", -chatID, f.minted), ExpireAt: opts.ExpireAt}, nil
}

func (f *Fake) GetMemberStatus(ctx context.Context, chatID roster.ChatID, userID int64) (chatapi.MemberStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "GetMemberStatus", ChatID: chatID, UserID: userID})
	if err := f.StatusErr[chatID]; err != nil {
		return "", err
	}
	status, ok := f.Statuses[statusKey(chatID, userID)]
	if !ok {
		return chatapi.StatusLeft, nil
	}
	return status, nil
}

func (f *Fake) Ban(ctx context.Context, chatID roster.ChatID, userID int64, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "Ban", ChatID: chatID, UserID: userID})
	if err := f.BanErr[chatID]; err != nil {
		return err
	}
	f.Statuses[statusKey(chatID, userID)] = chatapi.StatusKicked
	return nil
}

func (f *Fake) Unban(ctx context.Context, chatID roster.ChatID, userID int64, onlyIfBanned bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "Unban", ChatID: chatID, UserID: userID, Flag: onlyIfBanned})
	if err := f.UnbanErr[chatID]; err != nil {
		return err
	}
	key := statusKey(chatID, userID)
	if !onlyIfBanned || f.Statuses[key] == chatapi.StatusKicked {
		f.Statuses[key] = chatapi.StatusLeft
	}
	return nil
}

func (f *Fake) SendMessage(ctx context.Context, userID int64, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "SendMessage", UserID: userID})
	if err := f.SendErr[userID]; err != nil {
		return err
	}
	f.Messages = append(f.Messages, SentMessage{UserID: userID, HTML: html})
	return nil
}

package notify

import (
	"context"
	"html"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/agentworkforce/rostersync/internal/access"
	"github.com/agentworkforce/rostersync/internal/chatapi"
	"github.com/agentworkforce/rostersync/internal/roster"
)

const DefaultRate = 20

type Logger interface {
	Printf(format string, args ...any)
}

type DispatcherOptions struct {
	// Rate is the maximum number of messages per second; zero means
	// DefaultRate and a negative value disables limiting.
	Rate   float64
	Logger Logger
}

// Dispatcher tells users what changed for them. Delivery is best effort.
type Dispatcher struct {
	platform chatapi.Platform
	limiter  *rate.Limiter
	logger   Logger
}

func NewDispatcher(platform chatapi.Platform, opts DispatcherOptions) *Dispatcher {
	perSecond := opts.Rate
	if perSecond == 0 {
		perSecond = DefaultRate
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Dispatcher{
		platform: platform,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   opts.Logger,
	}
}

// Render builds the HTML message for an outcome. It reports false when
// nothing worth sending remains, e.g. every invite link failed.
func (d *Dispatcher) Render(ctx context.Context, outcome access.Outcome) (string, bool) {
	titles := map[roster.ChatID]string{}
	title := func(chatID roster.ChatID) string {
		if cached, ok := titles[chatID]; ok {
			return cached
		}
		name := strconv.FormatInt(int64(chatID), 10)
		if chat, err := d.platform.GetChat(ctx, chatID); err == nil && strings.TrimSpace(chat.Title) != "" {
			name = chat.Title
		}
		titles[chatID] = name
		return name
	}

	lines := []string{"<b>Access update</b>"}
	event := outcome.Event
	if event.RoleChange != nil {
		lines = append(lines,
			"\n<b>Role changed</b>",
			"• Was: <code>"+html.EscapeString(orDash(event.RoleChange.Old))+"</code>",
			"• Now: <code>"+html.EscapeString(orDash(event.RoleChange.New))+"</code>",
		)
	}

	var granted []string
	for _, chatID := range event.Added {
		link, ok := outcome.Links[chatID]
		if !ok || link == "" {
			continue
		}
		granted = append(granted, `• <a href="`+html.EscapeString(link)+`">`+html.EscapeString(title(chatID))+`</a>`)
	}
	if len(granted) > 0 {
		lines = append(lines, "\n<b>New chats available</b>")
		lines = append(lines, granted...)
	}

	if len(event.Removed) > 0 {
		lines = append(lines, "\n<b>Access revoked</b>")
		for _, chatID := range event.Removed {
			lines = append(lines, "• "+html.EscapeString(title(chatID)))
		}
	}

	if len(lines) == 1 {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

// Send renders and delivers the message, returning whether it went out.
// Failures are logged and not retried.
func (d *Dispatcher) Send(ctx context.Context, outcome access.Outcome) bool {
	message, ok := d.Render(ctx, outcome)
	if !ok {
		return false
	}
	if err := d.limiter.Wait(ctx); err != nil {
		d.logf("notify user %d skipped: %v", outcome.Event.UserID, err)
		return false
	}
	if err := d.platform.SendMessage(ctx, outcome.Event.UserID, message); err != nil {
		d.logf("notify user %d failed: %v", outcome.Event.UserID, err)
		return false
	}
	return true
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}

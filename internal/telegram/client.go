package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/rostersync/internal/chatapi"
	"github.com/agentworkforce/rostersync/internal/remote"
	"github.com/agentworkforce/rostersync/internal/roster"
)

const DefaultAPIURL = "https://api.telegram.org"

var ErrInvalidInput = errors.New("invalid input")

type Logger interface {
	Printf(format string, args ...any)
}

type ClientOptions struct {
	BaseURL     string
	Token       string
	HTTPClient  *http.Client
	Backoff     remote.Backoff
	PollTimeout time.Duration
	Logger      Logger
}

// Client speaks the Bot API over JSON POSTs and implements chatapi.Platform.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	backoff     remote.Backoff
	pollTimeout time.Duration
	logger      Logger
}

var _ chatapi.Platform = (*Client)(nil)

func NewClient(opts ClientOptions) (*Client, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: bot token is required", ErrInvalidInput)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	backoff := opts.Backoff
	if backoff == (remote.Backoff{}) {
		backoff = remote.DefaultBackoff()
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		token:       token,
		httpClient:  httpClient,
		backoff:     backoff,
		pollTimeout: pollTimeout,
		logger:      opts.Logger,
	}, nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type apiChat struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type apiUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot"`
}

type apiChatMember struct {
	Status string  `json:"status"`
	User   apiUser `json:"user"`
}

func (c *Client) GetChat(ctx context.Context, chatID roster.ChatID) (chatapi.Chat, error) {
	var out apiChat
	if err := c.call(ctx, "getChat", map[string]any{"chat_id": int64(chatID)}, &out); err != nil {
		return chatapi.Chat{}, err
	}
	return chatapi.Chat{ID: roster.ChatID(out.ID), Title: out.Title, Type: out.Type}, nil
}

func (c *Client) CreateInviteLink(ctx context.Context, chatID roster.ChatID, opts chatapi.InviteOptions) (chatapi.Invite, error) {
	body := map[string]any{"chat_id": int64(chatID)}
	if opts.Name != "" {
		body["name"] = truncate(opts.Name, 32)
	}
	if opts.MemberLimit > 0 {
		body["member_limit"] = opts.MemberLimit
	}
	if !opts.ExpireAt.IsZero() {
		body["expire_date"] = opts.ExpireAt.Unix()
	}
	var out struct {
		InviteLink string `json:"invite_link"`
		ExpireDate int64  `json:"expire_date"`
	}
	if err := c.call(ctx, "createChatInviteLink", body, &out); err != nil {
		return chatapi.Invite{}, err
	}
	invite := chatapi.Invite{Link: out.InviteLink}
	if out.ExpireDate > 0 {
		invite.ExpireAt = time.Unix(out.ExpireDate, 0).UTC()
	}
	return invite, nil
}

func (c *Client) GetMemberStatus(ctx context.Context, chatID roster.ChatID, userID int64) (chatapi.MemberStatus, error) {
	var out apiChatMember
	if err := c.call(ctx, "getChatMember", map[string]any{"chat_id": int64(chatID), "user_id": userID}, &out); err != nil {
		return "", err
	}
	return chatapi.MemberStatus(out.Status), nil
}

// Ban with a zero until removes the user without a lasting ban once
// followed by Unban.
func (c *Client) Ban(ctx context.Context, chatID roster.ChatID, userID int64, until time.Time) error {
	var untilDate int64
	if !until.IsZero() {
		untilDate = until.Unix()
	}
	return c.call(ctx, "banChatMember", map[string]any{
		"chat_id":    int64(chatID),
		"user_id":    userID,
		"until_date": untilDate,
	}, nil)
}

func (c *Client) Unban(ctx context.Context, chatID roster.ChatID, userID int64, onlyIfBanned bool) error {
	return c.call(ctx, "unbanChatMember", map[string]any{
		"chat_id":        int64(chatID),
		"user_id":        userID,
		"only_if_banned": onlyIfBanned,
	}, nil)
}

func (c *Client) SendMessage(ctx context.Context, userID int64, html string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":                  userID,
		"text":                     html,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}, nil)
}

type apiUpdate struct {
	UpdateID   int64 `json:"update_id"`
	ChatMember *struct {
		Chat          apiChat       `json:"chat"`
		OldChatMember apiChatMember `json:"old_chat_member"`
		NewChatMember apiChatMember `json:"new_chat_member"`
	} `json:"chat_member"`
}

// MemberUpdates long-polls getUpdates for chat_member updates starting at
// offset and returns the offset to use for the next poll.
func (c *Client) MemberUpdates(ctx context.Context, offset int64) ([]chatapi.MemberUpdate, int64, error) {
	body := map[string]any{
		"timeout":         int(c.pollTimeout / time.Second),
		"allowed_updates": []string{"chat_member"},
	}
	if offset > 0 {
		body["offset"] = offset
	}
	var raw []apiUpdate
	if err := c.call(ctx, "getUpdates", body, &raw); err != nil {
		return nil, offset, err
	}
	next := offset
	updates := make([]chatapi.MemberUpdate, 0, len(raw))
	for _, update := range raw {
		if update.UpdateID >= next {
			next = update.UpdateID + 1
		}
		if update.ChatMember == nil {
			continue
		}
		member := update.ChatMember
		updates = append(updates, chatapi.MemberUpdate{
			UpdateID:  update.UpdateID,
			ChatID:    roster.ChatID(member.Chat.ID),
			UserID:    member.NewChatMember.User.ID,
			Username:  member.NewChatMember.User.Username,
			IsBot:     member.NewChatMember.User.IsBot,
			OldStatus: chatapi.MemberStatus(member.OldChatMember.Status),
			NewStatus: chatapi.MemberStatus(member.NewChatMember.Status),
		})
	}
	return updates, next, nil
}

func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return err
	}
	endpoint := c.baseURL + "/bot" + c.token + "/" + method
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.backoff.MaxRetries {
				if waitErr := remote.Wait(ctx, c.backoff.Delay(attempt+1, 0)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return remote.Unavailable(fmt.Errorf("%s: %s", method, redactToken(err.Error(), c.token)))
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return remote.Unavailable(fmt.Errorf("%s: read response: %v", method, readErr))
		}

		var decoded apiResponse
		decodeErr := json.Unmarshal(payload, &decoded)
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 && decodeErr == nil && decoded.OK {
			if out == nil || len(decoded.Result) == 0 {
				return nil
			}
			return json.Unmarshal(decoded.Result, out)
		}

		status := resp.StatusCode
		if decodeErr == nil && decoded.ErrorCode != 0 {
			status = decoded.ErrorCode
		}
		var retryAfter time.Duration
		if decoded.Parameters != nil && decoded.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(decoded.Parameters.RetryAfter) * time.Second
		} else {
			retryAfter = remote.ParseRetryAfter(resp.Header.Get("Retry-After"))
		}

		if remote.IsRetryableStatus(status) && attempt < c.backoff.MaxRetries {
			delay := c.backoff.Delay(attempt+1, retryAfter)
			c.logf("telegram %s: http %d, retrying in %s", method, status, delay)
			if waitErr := remote.Wait(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}

		message := decoded.Description
		if message == "" {
			message = strings.TrimSpace(string(payload))
		}
		return remote.NewHTTPError(status, method, message, retryAfter)
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func redactToken(text, token string) string {
	if token == "" {
		return text
	}
	return strings.ReplaceAll(text, token, "<redacted>")
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

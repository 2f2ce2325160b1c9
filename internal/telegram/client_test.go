package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/rostersync/internal/chatapi"
	"github.com/agentworkforce/rostersync/internal/remote"
)

const testToken = "123:secret"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientOptions{
		BaseURL: server.URL,
		Token:   testToken,
		Backoff: remote.Backoff{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	return body
}

func writeOK(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient(ClientOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestGetChat(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/bot"+testToken+"/getChat" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body := decodeBody(t, r)
		if body["chat_id"] != float64(-100123) {
			t.Fatalf("unexpected chat_id %v", body["chat_id"])
		}
		writeOK(w, map[string]any{"id": -100123, "title": "Cohort <A>", "type": "supergroup"})
	})

	chat, err := client.GetChat(context.Background(), -100123)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chat.Title != "Cohort <A>" || chat.ID != -100123 || chat.Type != "supergroup" {
		t.Fatalf("unexpected chat %+v", chat)
	}
}

func TestCreateInviteLinkSendsOptions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["member_limit"] != float64(1) {
			t.Fatalf("expected member_limit 1, got %v", body["member_limit"])
		}
		if _, ok := body["expire_date"]; ok {
			t.Fatalf("expected no expire_date, got %v", body["expire_date"])
		}
		if body["name"] != "rostersync:10" {
			t.Fatalf("unexpected name %v", body["name"])
		}
		writeOK(w, map[string]any{"invite_link": "https://t.me/+abc"})
	})

	invite, err := client.CreateInviteLink(context.Background(), -100555, chatapi.InviteOptions{Name: "rostersync:10", MemberLimit: 1})
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if invite.Link != "https://t.me/+abc" || !invite.ExpireAt.IsZero() {
		t.Fatalf("unexpected invite %+v", invite)
	}
}

func TestBanAndUnbanPayloads(t *testing.T) {
	var calls []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		calls = append(calls, method)
		body := decodeBody(t, r)
		switch method {
		case "banChatMember":
			if body["until_date"] != float64(0) {
				t.Fatalf("expected until_date 0, got %v", body["until_date"])
			}
		case "unbanChatMember":
			if body["only_if_banned"] != false {
				t.Fatalf("expected only_if_banned false, got %v", body["only_if_banned"])
			}
		}
		writeOK(w, true)
	})

	ctx := context.Background()
	if err := client.Ban(ctx, -1001, 7, time.Time{}); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := client.Unban(ctx, -1001, 7, false); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if strings.Join(calls, ",") != "banChatMember,unbanChatMember" {
		t.Fatalf("unexpected calls %v", calls)
	}
}

func TestSendMessageUsesHTML(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["parse_mode"] != "HTML" || body["chat_id"] != float64(42) || body["text"] != "<b>hi</b>" {
			t.Fatalf("unexpected body %v", body)
		}
		writeOK(w, map[string]any{"message_id": 1})
	})
	if err := client.SendMessage(context.Background(), 42, "<b>hi</b>"); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var attempts int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":502,"description":"Bad Gateway"}`))
			return
		}
		writeOK(w, map[string]any{"status": "left", "user": map[string]any{"id": 1}})
	})

	status, err := client.GetMemberStatus(context.Background(), -1001, 1)
	if err != nil {
		t.Fatalf("get member status: %v", err)
	}
	if status != chatapi.StatusLeft {
		t.Fatalf("expected left, got %q", status)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRateLimitSurfacesAfterRetries(t *testing.T) {
	var attempts int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1","parameters":{"retry_after":1}}`))
	})

	err := client.SendMessage(context.Background(), 1, "x")
	if !errors.Is(err, remote.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var httpErr *remote.HTTPError
	if !errors.As(err, &httpErr) || httpErr.RetryAfter != time.Second {
		t.Fatalf("expected retry_after of 1s, got %+v", httpErr)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestPermanentFailuresAreNotRetried(t *testing.T) {
	var attempts int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	})

	_, err := client.GetChat(context.Background(), -1009)
	var httpErr *remote.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != 400 || !strings.Contains(httpErr.Message, "chat not found") {
		t.Fatalf("unexpected error %+v", httpErr)
	}
	if remote.IsTransient(err) {
		t.Fatalf("400 must not be transient")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestUnauthorizedMapsToAuthExpired(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	})
	if _, err := client.GetChat(context.Background(), -1001); !errors.Is(err, remote.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

func TestTransportFailureIsUnavailableAndRedacted(t *testing.T) {
	client, err := NewClient(ClientOptions{
		BaseURL: "http://127.0.0.1:1",
		Token:   testToken,
		Backoff: remote.Backoff{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.SendMessage(context.Background(), 1, "x")
	if !errors.Is(err, remote.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("token leaked into error: %v", err)
	}
}

func TestMemberUpdates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["offset"] != float64(5) {
			t.Fatalf("expected offset 5, got %v", body["offset"])
		}
		allowed, _ := body["allowed_updates"].([]any)
		if len(allowed) != 1 || allowed[0] != "chat_member" {
			t.Fatalf("unexpected allowed_updates %v", body["allowed_updates"])
		}
		writeOK(w, []any{
			map[string]any{"update_id": 5, "message": map[string]any{"text": "ignored"}},
			map[string]any{
				"update_id": 6,
				"chat_member": map[string]any{
					"chat":            map[string]any{"id": -1001, "type": "supergroup"},
					"old_chat_member": map[string]any{"status": "left", "user": map[string]any{"id": 9}},
					"new_chat_member": map[string]any{"status": "member", "user": map[string]any{"id": 9, "username": "nine"}},
				},
			},
		})
	})

	updates, next, err := client.MemberUpdates(context.Background(), 5)
	if err != nil {
		t.Fatalf("member updates: %v", err)
	}
	if next != 7 {
		t.Fatalf("expected next offset 7, got %d", next)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 member update, got %d", len(updates))
	}
	update := updates[0]
	if update.ChatID != -1001 || update.UserID != 9 || update.Username != "nine" || !update.Joined() {
		t.Fatalf("unexpected update %+v", update)
	}
}

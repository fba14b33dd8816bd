package chatwire

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPoll_ReturnsMessagesOldestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/c1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("since"); got != "10" {
			t.Errorf("since = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"id": "11", "channel": "c1", "sender": "alice", "text": "first"},
				{"id": "12", "channel": "c1", "sender": "alice", "text": "second"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "valet", 5*time.Second)
	msgs, err := c.Poll(context.Background(), "c1", "10", time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "11" || msgs[1].Text != "second" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestPoll_EmptyAfterTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages": []}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "valet", 5*time.Second)
	msgs, err := c.Poll(context.Background(), "c1", "", time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages = %+v, want none", msgs)
	}
}

func TestPostAndEdit(t *testing.T) {
	var editedText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{"id": "m42"}`))
		case r.Method == http.MethodPut:
			if r.URL.Path != "/channels/c1/messages/m42" {
				t.Errorf("edit path = %s", r.URL.Path)
			}
			var body struct {
				Text string `json:"text"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			editedText = body.Text
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "valet", 5*time.Second)
	id, err := c.Post(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if id != "m42" {
		t.Fatalf("id = %q", id)
	}
	if err := c.Edit(context.Background(), "c1", id, "hello, edited"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if editedText != "hello, edited" {
		t.Fatalf("edited text = %q", editedText)
	}
}

func TestPoll_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "valet", 5*time.Second)
	if _, err := c.Poll(context.Background(), "c1", "", time.Second); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestNameCache(t *testing.T) {
	calls := 0
	cache := NewNameCache(func(_ context.Context, participant string) (string, error) {
		calls++
		if participant == "u-err" {
			return "", errors.New("unreachable")
		}
		return "Alice", nil
	})

	if got := cache.Resolve(context.Background(), "u1"); got != "Alice" {
		t.Fatalf("resolve = %q", got)
	}
	if got := cache.Resolve(context.Background(), "u1"); got != "Alice" {
		t.Fatalf("cached resolve = %q", got)
	}
	if calls != 1 {
		t.Fatalf("resolver calls = %d, want 1", calls)
	}

	// Failures fall back to the raw id and are retried next time.
	if got := cache.Resolve(context.Background(), "u-err"); got != "u-err" {
		t.Fatalf("fallback = %q", got)
	}
	cache.Resolve(context.Background(), "u-err")
	if calls != 3 {
		t.Fatalf("resolver calls = %d, want 3", calls)
	}
}

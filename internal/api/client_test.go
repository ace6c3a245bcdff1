package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"chatwire/internal/domain"
)

func testMessage(content, receiver string) domain.Message {
	return domain.Message{
		ID:        "temp-1-aaaa",
		Content:   content,
		Sender:    "alice",
		Receiver:  receiver,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, Token: "tok-123", Timeout: 2 * time.Second})
	c.retry.base = time.Millisecond
	return c
}

// --- Messages ---

func TestMessages_DropsMalformedRecordsIndividually(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("missing bearer header, got %q", got)
		}
		w.Write([]byte(`[
			{"id":"m1","content":"ok","sender":"bob","receiver":"alice","timestamp":"2026-03-01T12:00:00Z"},
			{"content":"no id","sender":"bob","receiver":"alice","timestamp":"2026-03-01T12:00:01Z"},
			{"id":"m3","content":"bad ts","sender":"bob","receiver":"alice","timestamp":"yesterday"},
			{"id":"m4","content":"ok too","sender":"alice","receiver":"bob","timestamp":"2026-03-01T12:00:02Z"}
		]`))
	}))

	msgs, err := c.Messages(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 well-formed records, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m4" {
		t.Fatalf("unexpected survivors %q %q", msgs[0].ID, msgs[1].ID)
	}
}

func TestMessages_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}))

	msgs, err := c.Messages(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty batch, got %d", len(msgs))
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 requests, got %d", calls.Load())
	}
}

func TestMessages_GivesUpAfterRetryCap(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	if _, err := c.Messages(context.Background(), "alice", "bob"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != 4 {
		t.Fatalf("expected initial attempt plus 3 retries, got %d", calls.Load())
	}
}

// --- ChatSummaries ---

func TestChatSummaries_DropsBadRows(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chats" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`[
			{"peerId":"bob","displayName":"Bob","lastMessage":"hi","lastUpdated":"2026-03-01T12:00:00Z"},
			{"displayName":"No Peer","lastUpdated":"2026-03-01T12:00:00Z"},
			{"peerId":"carol","lastUpdated":"not-a-time"}
		]`))
	}))

	rows, err := c.ChatSummaries(context.Background(), "alice")
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(rows) != 1 || rows[0].PeerID != "bob" {
		t.Fatalf("expected only the well-formed row, got %+v", rows)
	}
}

// --- SendMessage ---

func TestSendMessage_PostsAndReturnsServerID(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.Content != "hello" || req.ReceiverID != "bob" {
			t.Errorf("unexpected body %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"id":        "srv-1",
			"timestamp": "2026-03-01T12:00:00Z",
		})
	}))

	result, err := c.SendMessage(context.Background(), testMessage("hello", "bob"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.ID != "srv-1" {
		t.Fatalf("expected server id, got %q", result.ID)
	}
}

func TestSendMessage_NeverRetries(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	if _, err := c.SendMessage(context.Background(), testMessage("hi", "bob")); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("send must not retry, got %d requests", calls.Load())
	}
}

func TestSendMessage_RejectsMissingID(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"timestamp":"2026-03-01T12:00:00Z"}`))
	}))

	if _, err := c.SendMessage(context.Background(), testMessage("hi", "bob")); err == nil {
		t.Fatal("expected error for missing id")
	}
}

// --- Upload ---

func TestUpload_OrderPreserving(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.png")
	fileB := filepath.Join(dir, "b.png")
	for _, f := range []string{fileA, fileB} {
		if err := os.WriteFile(f, []byte("img"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if n := len(r.MultipartForm.File["files"]); n != 2 {
			t.Errorf("expected 2 file parts, got %d", n)
		}
		w.Write([]byte(`[{"url":"https://cdn/a.png"},{"url":"","error":"corrupt"}]`))
	}))

	results, err := c.Upload(context.Background(), []string{fileA, fileB})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].URL != "https://cdn/a.png" || results[0].Err != nil {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if results[1].Err == nil {
		t.Fatal("expected per-file error for the second result")
	}
}

func TestUpload_ResultCountMismatch(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.png")
	if err := os.WriteFile(file, []byte("img"), 0o600); err != nil {
		t.Fatal(err)
	}

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))

	if _, err := c.Upload(context.Background(), []string{file}); err == nil {
		t.Fatal("expected error for result count mismatch")
	}
}

package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatwire/internal/domain"
)

// --- test fakes ---

type fakePublish struct {
	dest    string
	payload any
}

type fakeTransport struct {
	mu     sync.Mutex
	state  domain.ConnState
	pubErr error
	pubCh  chan fakePublish
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: domain.StateConnected, pubCh: make(chan fakePublish, 16)}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) Subscribe(topic string, fn func([]byte)) domain.Disposer {
	return func() {}
}

func (f *fakeTransport) Publish(dest string, payload any) error {
	f.mu.Lock()
	err := f.pubErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.pubCh <- fakePublish{dest: dest, payload: payload}
	return nil
}

func (f *fakeTransport) OnStateChange(fn func(domain.ConnState)) domain.Disposer {
	return func() {}
}

func (f *fakeTransport) State() domain.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Reconnect()  {}
func (f *fakeTransport) Disconnect() {}

func (f *fakeTransport) failPublishes(err error) {
	f.mu.Lock()
	f.pubErr = err
	f.state = domain.StateDisconnected
	f.mu.Unlock()
}

type fakeSender struct {
	fn func(ctx context.Context, msg domain.Message) (domain.SendResult, error)
}

func (f *fakeSender) SendMessage(ctx context.Context, msg domain.Message) (domain.SendResult, error) {
	if f.fn == nil {
		return domain.SendResult{}, errors.New("no sender configured")
	}
	return f.fn(ctx, msg)
}

type fakeUploader struct {
	fn func(ctx context.Context, files []string) ([]domain.UploadResult, error)
}

func (f *fakeUploader) Upload(ctx context.Context, files []string) ([]domain.UploadResult, error) {
	if f.fn == nil {
		return nil, errors.New("no uploader configured")
	}
	return f.fn(ctx, files)
}

type fakeQueries struct {
	messages func(ctx context.Context, self, peer string) ([]domain.Message, error)
}

func (f *fakeQueries) Messages(ctx context.Context, self, peer string) ([]domain.Message, error) {
	if f.messages == nil {
		return nil, nil
	}
	return f.messages(ctx, self, peer)
}

func (f *fakeQueries) ChatSummaries(ctx context.Context, self string) ([]domain.ChatSummary, error) {
	return nil, nil
}

func newTestStore(tr *fakeTransport, snd *fakeSender, up *fakeUploader) *Store {
	return NewStore(Config{
		Self:      "alice",
		Transport: tr,
		Queries:   &fakeQueries{},
		Sender:    snd,
		Uploader:  up,
	})
}

func eventChan(s *Store) <-chan Event {
	ch := make(chan Event, 32)
	s.OnEvent(func(ev Event) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func waitPublish(t *testing.T, tr *fakeTransport) fakePublish {
	t.Helper()
	select {
	case p := <-tr.pubCh:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport publish")
	}
	return fakePublish{}
}

func record(id, content, sender, receiver string, ts time.Time) domain.MessageRecord {
	return domain.MessageRecord{
		ID:        id,
		Content:   content,
		Sender:    sender,
		Receiver:  receiver,
		Timestamp: ts.Format(time.RFC3339Nano),
	}
}

// --- Send ---

func TestSend_InsertsOptimisticEntryImmediately(t *testing.T) {
	tr := newFakeTransport()
	s := newTestStore(tr, &fakeSender{}, &fakeUploader{})

	msg := s.Send(context.Background(), "bob", "hello", nil, "")
	if !msg.Optimistic {
		t.Fatal("expected optimistic message")
	}
	if !IsTempID(msg.ID) {
		t.Fatalf("expected temp id, got %q", msg.ID)
	}

	conv := s.Conversation("bob")
	if len(conv) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(conv))
	}
	if conv[0].ID != msg.ID {
		t.Fatalf("expected %q in conversation, got %q", msg.ID, conv[0].ID)
	}

	pub := waitPublish(t, tr)
	payload, ok := pub.payload.(sendPayload)
	if !ok {
		t.Fatalf("expected sendPayload, got %T", pub.payload)
	}
	if payload.Content != "hello" || payload.Receiver != "bob" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestSend_ConfirmationReplacesOptimistic(t *testing.T) {
	tr := newFakeTransport()
	s := newTestStore(tr, &fakeSender{}, &fakeUploader{})
	events := eventChan(s)

	msg := s.Send(context.Background(), "bob", "hello", nil, "")
	waitPublish(t, tr)

	// Server confirmation arrives 1.5s later under a fresh id.
	s.Receive(record("srv-1", "hello", "alice", "bob", msg.Timestamp.Add(1500*time.Millisecond)))
	waitEvent(t, events, KindConfirmed)

	conv := s.Conversation("bob")
	if len(conv) != 1 {
		t.Fatalf("expected 1 entry after confirmation, got %d", len(conv))
	}
	if conv[0].ID != "srv-1" {
		t.Fatalf("expected server id, got %q", conv[0].ID)
	}
	if conv[0].Optimistic {
		t.Fatal("confirmed entry still marked optimistic")
	}
}

func TestSend_HTTPFallbackWhenDisconnected(t *testing.T) {
	tr := newFakeTransport()
	tr.failPublishes(domain.ErrNotConnected)
	snd := &fakeSender{fn: func(ctx context.Context, msg domain.Message) (domain.SendResult, error) {
		return domain.SendResult{ID: "srv-9", Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}, nil
	}}
	s := newTestStore(tr, snd, &fakeUploader{})
	events := eventChan(s)

	s.Send(context.Background(), "bob", "offline hello", nil, "")
	waitEvent(t, events, KindConfirmed)

	conv := s.Conversation("bob")
	if len(conv) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(conv))
	}
	if conv[0].ID != "srv-9" {
		t.Fatalf("expected fallback server id, got %q", conv[0].ID)
	}
}

func TestSend_BothPathsFailRemovesEntry(t *testing.T) {
	tr := newFakeTransport()
	tr.failPublishes(domain.ErrNotConnected)
	snd := &fakeSender{fn: func(ctx context.Context, msg domain.Message) (domain.SendResult, error) {
		return domain.SendResult{}, errors.New("503")
	}}
	s := newTestStore(tr, snd, &fakeUploader{})
	events := eventChan(s)

	s.Send(context.Background(), "bob", "doomed", nil, "")
	ev := waitEvent(t, events, KindSendFailed)

	var de *domain.DeliveryError
	if !errors.As(ev.Err, &de) {
		t.Fatalf("expected DeliveryError, got %v", ev.Err)
	}
	if conv := s.Conversation("bob"); len(conv) != 0 {
		t.Fatalf("expected entry removed, got %d entries", len(conv))
	}
}

func TestSend_UploadFailureRemovesEntry(t *testing.T) {
	tr := newFakeTransport()
	up := &fakeUploader{fn: func(ctx context.Context, files []string) ([]domain.UploadResult, error) {
		return nil, errors.New("413 too large")
	}}
	s := newTestStore(tr, &fakeSender{}, up)
	events := eventChan(s)

	s.Send(context.Background(), "bob", "", []string{"/tmp/big.png"}, "")
	ev := waitEvent(t, events, KindUploadFailed)

	var ue *domain.UploadError
	if !errors.As(ev.Err, &ue) {
		t.Fatalf("expected UploadError, got %v", ev.Err)
	}
	if conv := s.Conversation("bob"); len(conv) != 0 {
		t.Fatalf("expected entry removed, got %d entries", len(conv))
	}

	// Nothing was published.
	select {
	case p := <-tr.pubCh:
		t.Fatalf("unexpected publish after upload failure: %+v", p)
	default:
	}
}

func TestSend_AttachmentsUploadedBeforeDelivery(t *testing.T) {
	tr := newFakeTransport()
	up := &fakeUploader{fn: func(ctx context.Context, files []string) ([]domain.UploadResult, error) {
		out := make([]domain.UploadResult, len(files))
		for i := range files {
			out[i] = domain.UploadResult{URL: "https://cdn/" + files[i]}
		}
		return out, nil
	}}
	s := newTestStore(tr, &fakeSender{}, up)
	events := eventChan(s)

	msg := s.Send(context.Background(), "bob", "see this", []string{"a.png", "b.png"}, "")
	if !msg.Uploading {
		t.Fatal("expected uploading flag on optimistic entry")
	}

	waitEvent(t, events, KindUpdated)
	pub := waitPublish(t, tr)
	payload := pub.payload.(sendPayload)
	if len(payload.FileURLs) != 2 || payload.FileURLs[0] != "https://cdn/a.png" {
		t.Fatalf("expected upload urls in payload, got %v", payload.FileURLs)
	}

	conv := s.Conversation("bob")
	if conv[0].Uploading {
		t.Fatal("uploading flag not cleared after upload")
	}
}

// --- Receive ---

func TestReceive_IncomingFromPeer(t *testing.T) {
	s := newTestStore(newFakeTransport(), &fakeSender{}, &fakeUploader{})
	events := eventChan(s)

	s.Receive(record("m1", "hi alice", "bob", "alice", time.Now()))
	ev := waitEvent(t, events, KindIncoming)
	if ev.Peer != "bob" {
		t.Fatalf("expected peer bob, got %q", ev.Peer)
	}
	if len(s.Conversation("bob")) != 1 {
		t.Fatal("expected 1 entry")
	}
}

func TestReceive_SameEventTwiceIsSuppressed(t *testing.T) {
	s := newTestStore(newFakeTransport(), &fakeSender{}, &fakeUploader{})

	ts := time.Now()
	rec := record("m1", "hi", "bob", "alice", ts)
	s.Receive(rec)
	s.Receive(rec)

	if n := len(s.Conversation("bob")); n != 1 {
		t.Fatalf("expected 1 entry after duplicate push, got %d", n)
	}
}

func TestReceive_TextWindowBoundary(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Inside the window: duplicate.
	s := newTestStore(newFakeTransport(), &fakeSender{}, &fakeUploader{})
	s.Receive(record("m1", "same text", "bob", "alice", base))
	s.Receive(record("m2", "same text", "bob", "alice", base.Add(999*time.Millisecond)))
	if n := len(s.Conversation("bob")); n != 1 {
		t.Fatalf("999ms apart: expected 1 entry, got %d", n)
	}

	// Outside the window: two distinct messages.
	s = newTestStore(newFakeTransport(), &fakeSender{}, &fakeUploader{})
	s.Receive(record("m1", "same text", "bob", "alice", base))
	s.Receive(record("m2", "same text", "bob", "alice", base.Add(1001*time.Millisecond)))
	if n := len(s.Conversation("bob")); n != 2 {
		t.Fatalf("1001ms apart: expected 2 entries, got %d", n)
	}
}

func TestReceive_MalformedRecordDropped(t *testing.T) {
	s := newTestStore(newFakeTransport(), &fakeSender{}, &fakeUploader{})

	s.Receive(domain.MessageRecord{Content: "no id", Sender: "bob", Receiver: "alice", Timestamp: time.Now().Format(time.RFC3339Nano)})
	s.Receive(domain.MessageRecord{ID: "m1", Content: "bad ts", Sender: "bob", Receiver: "alice", Timestamp: "yesterday"})

	if n := len(s.Conversation("bob")); n != 0 {
		t.Fatalf("expected malformed records dropped, got %d entries", n)
	}
}

func TestReceive_LegitimateRepeatsBothSurvive(t *testing.T) {
	tr := newFakeTransport()
	s := newTestStore(tr, &fakeSender{}, &fakeUploader{})
	events := eventChan(s)

	// Two identical sends in quick succession are distinct messages.
	s.Send(context.Background(), "bob", "ok", nil, "")
	waitPublish(t, tr)
	s.Send(context.Background(), "bob", "ok", nil, "")
	waitPublish(t, tr)

	if n := len(s.Conversation("bob")); n != 2 {
		t.Fatalf("expected both optimistic repeats to survive, got %d", n)
	}

	// Each confirmation pairs with its own original.
	conv := s.Conversation("bob")
	s.Receive(record("srv-1", "ok", "alice", "bob", conv[0].Timestamp.Add(200*time.Millisecond)))
	waitEvent(t, events, KindConfirmed)
	s.Receive(record("srv-2", "ok", "alice", "bob", conv[1].Timestamp.Add(200*time.Millisecond)))
	waitEvent(t, events, KindConfirmed)

	conv = s.Conversation("bob")
	if len(conv) != 2 {
		t.Fatalf("expected 2 confirmed entries, got %d", len(conv))
	}
	for _, m := range conv {
		if m.Optimistic {
			t.Fatalf("entry %q still optimistic after confirmations", m.ID)
		}
	}
}

// --- MergeHistory ---

func TestMergeHistory_Idempotent(t *testing.T) {
	s := newTestStore(newFakeTransport(), &fakeSender{}, &fakeUploader{})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	batch := []domain.Message{
		{ID: "m1", Content: "a", Sender: "bob", Receiver: "alice", Timestamp: base},
		{ID: "m2", Content: "b", Sender: "alice", Receiver: "bob", Timestamp: base.Add(time.Minute)},
	}

	s.MergeHistory("bob", batch)
	s.MergeHistory("bob", batch)

	if n := len(s.Conversation("bob")); n != 2 {
		t.Fatalf("expected merge to be idempotent, got %d entries", n)
	}
}

func TestMergeHistory_ReplacesOptimisticOriginal(t *testing.T) {
	tr := newFakeTransport()
	s := newTestStore(tr, &fakeSender{}, &fakeUploader{})

	msg := s.Send(context.Background(), "bob", "hello", nil, "")
	waitPublish(t, tr)

	s.MergeHistory("bob", []domain.Message{
		{ID: "srv-1", Content: "hello", Sender: "alice", Receiver: "bob", Timestamp: msg.Timestamp.Add(time.Second)},
	})

	conv := s.Conversation("bob")
	if len(conv) != 1 {
		t.Fatalf("expected history row to replace optimistic entry, got %d", len(conv))
	}
	if conv[0].ID != "srv-1" {
		t.Fatalf("expected server id, got %q", conv[0].ID)
	}
}

func TestMergeHistory_OrdersByTimestamp(t *testing.T) {
	s := newTestStore(newFakeTransport(), &fakeSender{}, &fakeUploader{})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.MergeHistory("bob", []domain.Message{
		{ID: "m3", Content: "third", Sender: "bob", Receiver: "alice", Timestamp: base.Add(2 * time.Hour)},
		{ID: "m1", Content: "first", Sender: "bob", Receiver: "alice", Timestamp: base},
		{ID: "m2", Content: "second", Sender: "alice", Receiver: "bob", Timestamp: base.Add(time.Hour)},
	})

	conv := s.Conversation("bob")
	want := []string{"m1", "m2", "m3"}
	for i, id := range want {
		if conv[i].ID != id {
			t.Fatalf("position %d: expected %q, got %q", i, id, conv[i].ID)
		}
	}
}

// --- lifecycle ---

func TestClear_DropsAllConversations(t *testing.T) {
	s := newTestStore(newFakeTransport(), &fakeSender{}, &fakeUploader{})

	s.Receive(record("m1", "hi", "bob", "alice", time.Now()))
	s.Receive(record("m2", "yo", "carol", "alice", time.Now()))
	s.Clear()

	if len(s.Conversation("bob")) != 0 || len(s.Conversation("carol")) != 0 {
		t.Fatal("expected all conversations cleared")
	}
	if len(s.Peers()) != 0 {
		t.Fatal("expected no peers after clear")
	}
}

func TestOnEvent_DisposerStopsDelivery(t *testing.T) {
	s := newTestStore(newFakeTransport(), &fakeSender{}, &fakeUploader{})

	var mu sync.Mutex
	count := 0
	dispose := s.OnEvent(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	s.Receive(record("m1", "hi", "bob", "alice", time.Now()))
	dispose()
	dispose() // idempotent
	s.Receive(record("m2", "hi again", "bob", "alice", time.Now().Add(5*time.Second)))

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 delivered event, got %d", count)
	}
}

func TestOpenConversation_FetchesHistory(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := &fakeQueries{messages: func(ctx context.Context, self, peer string) ([]domain.Message, error) {
		return []domain.Message{
			{ID: "m1", Content: "old", Sender: peer, Receiver: self, Timestamp: base},
		}, nil
	}}
	s := NewStore(Config{
		Self:      "alice",
		Transport: newFakeTransport(),
		Queries:   q,
		Sender:    &fakeSender{},
		Uploader:  &fakeUploader{},
	})
	events := eventChan(s)

	s.OpenConversation(context.Background(), "bob")
	waitEvent(t, events, KindHistory)

	if n := len(s.Conversation("bob")); n != 1 {
		t.Fatalf("expected fetched history, got %d entries", n)
	}
}

// Package chat implements the message reconciliation store: the per
// conversation merge of optimistic, transport-pushed, and historically
// fetched messages into one ordered, de-duplicated view.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatwire/internal/domain"
	"chatwire/internal/metrics"
	"chatwire/internal/transport"
)

// Config configures the store.
type Config struct {
	Self      string
	Transport domain.Transport
	Queries   domain.Queries
	Sender    domain.Sender
	Uploader  domain.Uploader
	Dedup     DedupPolicy
	Logger    *slog.Logger
}

// Store owns every open conversation of the active session. All mutations
// are merges against the current snapshot under one lock, so local actions
// and network pushes may interleave arbitrarily without corrupting the view.
type Store struct {
	self      string
	transport domain.Transport
	queries   domain.Queries
	sender    domain.Sender
	uploader  domain.Uploader
	dedup     DedupPolicy
	logger    *slog.Logger

	mu          sync.Mutex
	convs       map[string][]domain.Message
	fetchPeer   string
	fetchCancel context.CancelFunc

	listenMu  sync.RWMutex
	listeners map[int]func(Event)
	nextID    int

	disposers []domain.Disposer
}

// NewStore creates a reconciliation store for self.
func NewStore(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dedup == (DedupPolicy{}) {
		cfg.Dedup = DefaultDedupPolicy()
	}
	return &Store{
		self:      cfg.Self,
		transport: cfg.Transport,
		queries:   cfg.Queries,
		sender:    cfg.Sender,
		uploader:  cfg.Uploader,
		dedup:     cfg.Dedup,
		logger:    cfg.Logger,
		convs:     make(map[string][]domain.Message),
		listeners: make(map[int]func(Event)),
	}
}

// Start subscribes the store to its transport queues: the personal message
// queue, the personal send-confirmation queue, and the global confirmation
// broadcast filtered to own sends (the same logical event may arrive on more
// than one of these; the match predicate suppresses the duplicates).
func (s *Store) Start() {
	onRecord := func(payload []byte) {
		var rec domain.MessageRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			s.logger.Warn("invalid message push", "err", err)
			return
		}
		s.Receive(rec)
	}

	s.disposers = append(s.disposers,
		s.transport.Subscribe(transport.TopicMessages(s.self), onRecord),
		s.transport.Subscribe(transport.TopicSent(s.self), onRecord),
		s.transport.Subscribe(transport.TopicSentBroadcast, func(payload []byte) {
			var rec domain.MessageRecord
			if err := json.Unmarshal(payload, &rec); err != nil {
				return
			}
			if rec.Sender != s.self {
				return
			}
			s.Receive(rec)
		}),
	)
}

// Close disposes the transport subscriptions and cancels any in-flight
// historical fetch.
func (s *Store) Close() {
	for _, d := range s.disposers {
		d()
	}
	s.disposers = nil
	s.mu.Lock()
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	s.mu.Unlock()
}

// OnEvent registers a mutation listener.
func (s *Store) OnEvent(fn func(Event)) domain.Disposer {
	s.listenMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenMu.Lock()
			delete(s.listeners, id)
			s.listenMu.Unlock()
		})
	}
}

func (s *Store) emit(ev Event) {
	s.listenMu.RLock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// sendPayload is the transport publish shape for a send.
type sendPayload struct {
	Content   string   `json:"content"`
	Receiver  string   `json:"receiver"`
	FileURLs  []string `json:"fileUrls,omitempty"`
	Timestamp string   `json:"timestamp"`
	ReplyTo   string   `json:"replyToMessageId,omitempty"`
}

// Send inserts an optimistic message synchronously and dispatches upload and
// delivery in the background. The UI never waits on the network: failures
// surface later as KindUploadFailed or KindSendFailed events, and the entry
// disappears. Resending is an explicit caller action.
func (s *Store) Send(ctx context.Context, peer, content string, files []string, replyTo string) domain.Message {
	msg := domain.Message{
		ID:         NewTempID(time.Now()),
		Content:    content,
		Sender:     s.self,
		Receiver:   peer,
		Timestamp:  time.Now(),
		ReplyTo:    replyTo,
		Optimistic: true,
		Uploading:  len(files) > 0,
	}

	s.mu.Lock()
	s.convs[peer] = append(s.convs[peer], msg)
	sortMessages(s.convs[peer])
	s.mu.Unlock()

	s.emit(Event{Kind: KindOptimistic, Peer: peer, Message: msg})
	go s.dispatchSend(ctx, msg, files)
	return msg
}

func (s *Store) dispatchSend(ctx context.Context, msg domain.Message, files []string) {
	peer := msg.Receiver

	if len(files) > 0 {
		results, err := s.uploader.Upload(ctx, files)
		if err == nil {
			for i, r := range results {
				if r.Err != nil {
					err = fmt.Errorf("%s: %w", files[i], r.Err)
					break
				}
			}
		}
		if err != nil {
			s.removeEntry(peer, msg.ID, KindUploadFailed,
				&domain.UploadError{TempID: msg.ID, Err: err})
			metrics.Collector.Counter("chat_uploads_failed_total", "Attachment uploads failed").Inc()
			return
		}

		urls := make([]string, len(results))
		for i, r := range results {
			urls[i] = r.URL
		}
		// Attach upload results to the optimistic entry in place.
		s.mu.Lock()
		if i := indexByID(s.convs[peer], msg.ID); i >= 0 {
			s.convs[peer][i].FileURLs = urls
			s.convs[peer][i].Uploading = false
			msg = s.convs[peer][i]
		}
		s.mu.Unlock()
		s.emit(Event{Kind: KindUpdated, Peer: peer, Message: msg})
	}

	s.deliver(ctx, msg)
}

// deliver publishes the message over the transport, falling back to the HTTP
// send command when the session is down. Both failing removes the optimistic
// entry; there is no automatic retry.
func (s *Store) deliver(ctx context.Context, msg domain.Message) {
	peer := msg.Receiver
	pubErr := s.transport.Publish(transport.DestSendMessage, sendPayload{
		Content:   msg.Content,
		Receiver:  msg.Receiver,
		FileURLs:  msg.FileURLs,
		Timestamp: msg.Timestamp.Format(time.RFC3339Nano),
		ReplyTo:   msg.ReplyTo,
	})
	if pubErr == nil {
		// Confirmation arrives on the send-confirmation queue.
		return
	}
	if !errors.Is(pubErr, domain.ErrNotConnected) {
		s.logger.Warn("transport publish failed, trying HTTP fallback", "err", pubErr)
	}

	result, httpErr := s.sender.SendMessage(ctx, msg)
	if httpErr != nil {
		s.removeEntry(peer, msg.ID, KindSendFailed,
			&domain.DeliveryError{TempID: msg.ID, Err: errors.Join(pubErr, httpErr)})
		metrics.Collector.Counter("chat_sends_failed_total", "Sends that failed on both paths").Inc()
		return
	}

	canonical := msg
	canonical.ID = result.ID
	canonical.Optimistic = false
	canonical.Uploading = false
	if ts, err := domain.ParseTimestamp(result.Timestamp); err == nil {
		canonical.Timestamp = ts
	}
	s.confirmByTempID(peer, msg.ID, canonical)
}

// Receive reconciles one transport push. Malformed records are dropped
// individually.
func (s *Store) Receive(rec domain.MessageRecord) {
	msg, err := domain.MessageFromRecord(rec)
	if err != nil {
		s.logger.Warn("dropping malformed push", "id", rec.ID, "err", err)
		metrics.Collector.Counter("chat_malformed_pushes_total", "Pushed records dropped as malformed").Inc()
		return
	}
	if msg.Sender == s.self {
		s.confirmCanonical(msg)
	} else {
		s.receiveIncoming(msg)
	}
}

// confirmCanonical handles an own-confirmation: locate and remove the
// matching optimistic entry, then materialize the canonical message under
// its server-issued id.
func (s *Store) confirmCanonical(canonical domain.Message) {
	peer := canonical.PeerOf(s.self)

	s.mu.Lock()
	list := s.convs[peer]

	if indexByID(list, canonical.ID) >= 0 {
		s.mu.Unlock()
		s.suppressed()
		return
	}

	if i := s.bestOptimisticMatch(list, canonical); i >= 0 {
		list = append(list[:i], list[i+1:]...)
		list = append(list, canonical)
		sortMessages(list)
		s.convs[peer] = list
		s.mu.Unlock()
		s.emit(Event{Kind: KindConfirmed, Peer: peer, Message: canonical})
		s.merged()
		return
	}

	// No pending optimistic entry (sent from another device, or the
	// optimistic original was already promoted): plain canonical merge.
	for _, e := range list {
		if !e.Optimistic && s.dedup.matchesCanonical(e, canonical) {
			s.mu.Unlock()
			s.suppressed()
			return
		}
	}
	s.convs[peer] = append(list, canonical)
	sortMessages(s.convs[peer])
	s.mu.Unlock()
	s.emit(Event{Kind: KindConfirmed, Peer: peer, Message: canonical})
	s.merged()
}

// bestOptimisticMatch picks the pending entry the confirmation belongs to.
// With several legitimate repeats in flight, the closest timestamp wins; an
// entry inside the exact-resend window is taken immediately.
func (s *Store) bestOptimisticMatch(list []domain.Message, canonical domain.Message) int {
	best := -1
	var bestDelta time.Duration
	for i, e := range list {
		if !e.Optimistic || !s.dedup.matchesConfirmation(e, canonical) {
			continue
		}
		delta := e.Timestamp.Sub(canonical.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.dedup.ExactResend {
			return i
		}
		if best < 0 || delta < bestDelta {
			best, bestDelta = i, delta
		}
	}
	return best
}

// receiveIncoming materializes a message from a peer, guarding against the
// same event delivered via more than one channel.
func (s *Store) receiveIncoming(msg domain.Message) {
	peer := msg.PeerOf(s.self)

	s.mu.Lock()
	list := s.convs[peer]
	for _, e := range list {
		if e.ID == msg.ID || s.dedup.matchesCanonical(e, msg) {
			s.mu.Unlock()
			s.suppressed()
			return
		}
	}
	s.convs[peer] = append(list, msg)
	sortMessages(s.convs[peer])
	s.mu.Unlock()

	s.emit(Event{Kind: KindIncoming, Peer: peer, Message: msg})
	s.merged()
}

// confirmByTempID promotes a specific optimistic entry after a successful
// HTTP-fallback send.
func (s *Store) confirmByTempID(peer, tempID string, canonical domain.Message) {
	s.mu.Lock()
	list := s.convs[peer]
	if i := indexByID(list, tempID); i >= 0 {
		list = append(list[:i], list[i+1:]...)
	}
	if indexByID(list, canonical.ID) < 0 {
		list = append(list, canonical)
	}
	sortMessages(list)
	s.convs[peer] = list
	s.mu.Unlock()

	s.emit(Event{Kind: KindConfirmed, Peer: peer, Message: canonical})
	s.merged()
}

// OpenConversation ensures a conversation exists and starts its historical
// fetch. An in-flight fetch for a previously open conversation is cancelled.
func (s *Store) OpenConversation(ctx context.Context, peer string) {
	s.mu.Lock()
	if _, ok := s.convs[peer]; !ok {
		s.convs[peer] = nil
	}
	if s.fetchCancel != nil {
		s.fetchCancel()
	}
	fctx, cancel := context.WithCancel(ctx)
	s.fetchPeer = peer
	s.fetchCancel = cancel
	s.mu.Unlock()

	go func() {
		msgs, err := s.queries.Messages(fctx, s.self, peer)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.logger.Debug("historical fetch cancelled", "peer", peer)
			} else {
				s.logger.Warn("historical fetch failed", "peer", peer, "err", err)
			}
			return
		}
		s.MergeHistory(peer, msgs)
	}()
}

// MergeHistory merges a fetched batch into the conversation through the same
// match predicate used for pushes, then fully re-sorts. Records that fail
// validation were already dropped by the query collaborator.
func (s *Store) MergeHistory(peer string, msgs []domain.Message) {
	s.mu.Lock()
	list := s.convs[peer]
	for _, m := range msgs {
		if indexByID(list, m.ID) >= 0 {
			continue
		}
		if m.Sender == s.self {
			if i := s.bestOptimisticMatch(list, m); i >= 0 {
				list = append(list[:i], list[i+1:]...)
				list = append(list, m)
				continue
			}
		}
		dup := false
		for _, e := range list {
			if !e.Optimistic && s.dedup.matchesCanonical(e, m) {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, m)
		}
	}
	sortMessages(list)
	s.convs[peer] = list
	s.mu.Unlock()

	s.emit(Event{Kind: KindHistory, Peer: peer})
}

// Conversation returns a copy of the materialized, ordered view for peer.
func (s *Store) Conversation(peer string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.convs[peer]))
	copy(out, s.convs[peer])
	return out
}

// Peers returns the peers with an open conversation.
func (s *Store) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]string, 0, len(s.convs))
	for p := range s.convs {
		peers = append(peers, p)
	}
	return peers
}

// Clear drops all conversations. Called on logout.
func (s *Store) Clear() {
	s.mu.Lock()
	s.convs = make(map[string][]domain.Message)
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	s.mu.Unlock()
}

func (s *Store) removeEntry(peer, id string, kind EventKind, cause error) {
	s.mu.Lock()
	list := s.convs[peer]
	i := indexByID(list, id)
	var removed domain.Message
	if i >= 0 {
		removed = list[i]
		s.convs[peer] = append(list[:i], list[i+1:]...)
	}
	s.mu.Unlock()
	if i < 0 {
		return
	}
	s.logger.Warn("optimistic entry removed", "peer", peer, "id", id, "reason", kind.String(), "err", cause)
	s.emit(Event{Kind: kind, Peer: peer, Message: removed, Err: cause})
}

func (s *Store) merged() {
	metrics.Collector.Counter("chat_messages_merged_total", "Messages materialized into conversations").Inc()
}

func (s *Store) suppressed() {
	metrics.Collector.Counter("chat_duplicates_suppressed_total", "Duplicate events suppressed by the match predicate").Inc()
}

func indexByID(list []domain.Message, id string) int {
	for i, m := range list {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Package roster maintains the recency-ranked conversation summaries shown
// in the conversation picker. The primary update path is store events; a
// periodic backstop re-fetch corrects the list when real-time delivery is
// degraded.
package roster

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatwire/internal/chat"
	"chatwire/internal/domain"
	"chatwire/internal/transport"
)

// Config configures the aggregator.
type Config struct {
	Self      string
	Store     *chat.Store
	Transport domain.Transport
	Queries   domain.Queries

	RefreshOffline time.Duration // backstop interval while disconnected
	RefreshOnline  time.Duration // backstop interval while connected
	Logger         *slog.Logger
}

// Aggregator is the chat list aggregator.
type Aggregator struct {
	self    string
	store   *chat.Store
	queries domain.Queries
	tr      domain.Transport
	logger  *slog.Logger

	refreshOffline time.Duration
	refreshOnline  time.Duration

	mu         sync.Mutex
	summaries  map[string]domain.ChatSummary
	activePeer string

	kick      chan struct{}
	disposers []domain.Disposer
}

// New creates an aggregator.
func New(cfg Config) *Aggregator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RefreshOffline <= 0 {
		cfg.RefreshOffline = 30 * time.Second
	}
	if cfg.RefreshOnline <= 0 {
		cfg.RefreshOnline = 5 * time.Minute
	}
	return &Aggregator{
		self:           cfg.Self,
		store:          cfg.Store,
		queries:        cfg.Queries,
		tr:             cfg.Transport,
		logger:         cfg.Logger,
		refreshOffline: cfg.RefreshOffline,
		refreshOnline:  cfg.RefreshOnline,
		summaries:      make(map[string]domain.ChatSummary),
		kick:           make(chan struct{}, 1),
	}
}

// Start wires the aggregator to store events, the per-user chat-update
// queue, and connection state changes, and launches the backstop loop.
func (a *Aggregator) Start(ctx context.Context) {
	a.disposers = append(a.disposers,
		a.store.OnEvent(a.onStoreEvent),
		a.tr.Subscribe(transport.TopicChats(a.self), a.onChatPush),
		a.tr.OnStateChange(func(domain.ConnState) { a.wake() }),
	)
	go a.refreshLoop(ctx)
}

// Close disposes all subscriptions.
func (a *Aggregator) Close() {
	for _, d := range a.disposers {
		d()
	}
	a.disposers = nil
}

func (a *Aggregator) onStoreEvent(ev chat.Event) {
	switch ev.Kind {
	case chat.KindOptimistic, chat.KindIncoming, chat.KindConfirmed:
	default:
		return
	}
	a.Upsert(ev.Peer, ev.Message.Content, ev.Message.Timestamp, ev.Message.Sender)
}

// Upsert records the latest message of a peer's conversation. It goes
// through the same forward-only merge as fetched rows, so a confirmation
// carrying a skewed-older server timestamp cannot move a summary backward.
func (a *Aggregator) Upsert(peer, lastMessage string, at time.Time, sender string) {
	a.apply(domain.ChatSummary{
		PeerID:      peer,
		LastMessage: lastMessage,
		LastUpdated: at,
		LastSender:  sender,
	})
}

// chatPush is the wire shape of a server-pushed summary update.
type chatPush struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	LastMessage string `json:"lastMessage"`
	LastUpdated string `json:"lastUpdated"`
	LastSender  string `json:"lastSender"`
}

func (a *Aggregator) onChatPush(payload []byte) {
	var p chatPush
	if err := json.Unmarshal(payload, &p); err != nil {
		a.logger.Warn("invalid chat-update push", "err", err)
		return
	}
	if p.PeerID == "" {
		return
	}
	ts, err := domain.ParseTimestamp(p.LastUpdated)
	if err != nil {
		a.logger.Warn("dropping chat-update with bad timestamp", "peer", p.PeerID, "err", err)
		return
	}
	a.apply(domain.ChatSummary{
		PeerID:      p.PeerID,
		DisplayName: p.DisplayName,
		Avatar:      p.Avatar,
		LastMessage: p.LastMessage,
		LastUpdated: ts,
		LastSender:  p.LastSender,
	})
}

// apply merges one fetched or pushed summary row. Profile fields always win;
// recency fields only move forward, so a stale backstop fetch cannot regress
// a fresher local update.
func (a *Aggregator) apply(row domain.ChatSummary) {
	a.mu.Lock()
	s, ok := a.summaries[row.PeerID]
	if !ok || !row.LastUpdated.Before(s.LastUpdated) {
		s.LastMessage = row.LastMessage
		s.LastUpdated = row.LastUpdated
		s.LastSender = row.LastSender
	}
	s.PeerID = row.PeerID
	if row.DisplayName != "" {
		s.DisplayName = row.DisplayName
	}
	if row.Avatar != "" {
		s.Avatar = row.Avatar
	}
	a.summaries[row.PeerID] = s
	a.mu.Unlock()
}

// Seed loads summaries wholesale, e.g. from the local history cache at
// session start.
func (a *Aggregator) Seed(rows []domain.ChatSummary) {
	for _, row := range rows {
		a.apply(row)
	}
}

// SetActivePeer pins a peer to the top of the ranking.
func (a *Aggregator) SetActivePeer(peer string) {
	a.mu.Lock()
	a.activePeer = peer
	a.mu.Unlock()
}

// Summaries returns the ranked list: the active peer first, then the
// remaining peers by lastUpdated descending.
func (a *Aggregator) Summaries() []domain.ChatSummary {
	a.mu.Lock()
	active := a.activePeer
	out := make([]domain.ChatSummary, 0, len(a.summaries))
	for _, s := range a.summaries {
		out = append(out, s)
	}
	a.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PeerID == active {
			return out[j].PeerID != active
		}
		if out[j].PeerID == active {
			return false
		}
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	return out
}

// Clear drops all summaries. Called on logout.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	a.summaries = make(map[string]domain.ChatSummary)
	a.activePeer = ""
	a.mu.Unlock()
}

func (a *Aggregator) wake() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Aggregator) interval() time.Duration {
	if a.tr.State() == domain.StateConnected {
		return a.refreshOnline
	}
	return a.refreshOffline
}

// refreshLoop is the backstop: a periodic full re-fetch of the summary list,
// polled more frequently while the transport is down.
func (a *Aggregator) refreshLoop(ctx context.Context) {
	timer := time.NewTimer(a.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.kick:
			timer.Reset(a.interval())
		case <-timer.C:
			a.Refresh(ctx)
			timer.Reset(a.interval())
		}
	}
}

// Refresh fetches the summary list once and merges it.
func (a *Aggregator) Refresh(ctx context.Context) {
	rows, err := a.queries.ChatSummaries(ctx, a.self)
	if err != nil {
		a.logger.Warn("summary refresh failed", "err", err)
		return
	}
	for _, row := range rows {
		a.apply(row)
	}
}

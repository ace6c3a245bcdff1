// Package presence tracks ephemeral per-user online and typing state, driven
// by local activity timers and transport broadcasts. Both maps are
// last-writer-wins keyed upserts: concurrent local and remote updates to the
// same key only overwrite, never corrupt.
package presence

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"chatwire/internal/domain"
	"chatwire/internal/metrics"
	"chatwire/internal/transport"
)

// Config configures the tracker.
type Config struct {
	Self              string
	Transport         domain.Transport
	TypingTimeout     time.Duration // silence before typing=false is broadcast
	InactivityTimeout time.Duration // local inactivity before going INACTIVE
	Logger            *slog.Logger
}

// Tracker maintains the session's presence and typing state machines.
type Tracker struct {
	self              string
	transport         domain.Transport
	typingTimeout     time.Duration
	inactivityTimeout time.Duration
	logger            *slog.Logger

	mu              sync.Mutex
	presence        map[string]domain.PresenceEntry
	typing          map[domain.TypingKey]domain.TypingEntry
	localTyping     map[string]*time.Timer // peer -> expiry timer while TYPING
	active          bool
	inactivityTimer *time.Timer
	closed          bool

	disposers []domain.Disposer
}

// NewTracker creates a tracker for self.
func NewTracker(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 3 * time.Second
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 5 * time.Minute
	}
	return &Tracker{
		self:              cfg.Self,
		transport:         cfg.Transport,
		typingTimeout:     cfg.TypingTimeout,
		inactivityTimeout: cfg.InactivityTimeout,
		logger:            cfg.Logger,
		presence:          make(map[string]domain.PresenceEntry),
		typing:            make(map[domain.TypingKey]domain.TypingEntry),
		localTyping:       make(map[string]*time.Timer),
		active:            true,
	}
}

// typingPayload is the wire shape of a typing broadcast.
type typingPayload struct {
	FromUser  string `json:"fromUser"`
	ToUser    string `json:"toUser"`
	Typing    bool   `json:"typing"`
	Timestamp string `json:"timestamp"`
}

// statusPayload is the wire shape of a presence broadcast.
type statusPayload struct {
	UserID    string `json:"userId"`
	Active    bool   `json:"active"`
	Timestamp string `json:"timestamp,omitempty"`
}

// snapshotPayload is the reply to a request-online-users publish.
type snapshotPayload struct {
	Users []string `json:"users"`
}

// Start subscribes the tracker to its transport topics and arms the
// inactivity timer.
func (t *Tracker) Start() {
	t.disposers = append(t.disposers,
		t.transport.Subscribe(transport.TopicTyping(t.self), t.onTyping),
		t.transport.Subscribe(transport.TopicTypingBroadcast, t.onTyping),
		t.transport.Subscribe(transport.TopicStatusBroadcast, t.onStatus),
		t.transport.Subscribe(transport.TopicOnlineUsers(t.self), t.onSnapshot),
		t.transport.OnStateChange(func(s domain.ConnState) {
			if s != domain.StateConnected {
				return
			}
			// Announce ourselves and ask who else is online.
			t.broadcastActive()
			if err := t.transport.Publish(transport.DestRequestOnline, statusPayload{UserID: t.self}); err != nil {
				t.logger.Warn("online-users request failed", "err", err)
			}
		}),
	)

	t.mu.Lock()
	t.armInactivityLocked()
	t.mu.Unlock()
}

// Close stops all timers and disposes the subscriptions.
func (t *Tracker) Close() {
	for _, d := range t.disposers {
		d()
	}
	t.disposers = nil

	t.mu.Lock()
	t.closed = true
	if t.inactivityTimer != nil {
		t.inactivityTimer.Stop()
		t.inactivityTimer = nil
	}
	for peer, timer := range t.localTyping {
		timer.Stop()
		delete(t.localTyping, peer)
	}
	t.presence = make(map[string]domain.PresenceEntry)
	t.typing = make(map[domain.TypingKey]domain.TypingEntry)
	t.mu.Unlock()
}

// Keystroke records a local keystroke addressed to peer: transition to
// TYPING, broadcast once, and (re)arm the silence timer.
func (t *Tracker) Keystroke(peer string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	timer, wasTyping := t.localTyping[peer]
	if wasTyping {
		timer.Reset(t.typingTimeout)
	} else {
		t.localTyping[peer] = time.AfterFunc(t.typingTimeout, func() { t.typingExpired(peer) })
	}
	t.mu.Unlock()

	if !wasTyping {
		t.publishTyping(peer, true)
	}
	t.Activity()
}

func (t *Tracker) typingExpired(peer string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if timer, ok := t.localTyping[peer]; ok {
		timer.Stop()
		delete(t.localTyping, peer)
	}
	t.mu.Unlock()
	t.publishTyping(peer, false)
}

func (t *Tracker) publishTyping(peer string, typing bool) {
	err := t.transport.Publish(transport.DestTyping, typingPayload{
		FromUser:  t.self,
		ToUser:    peer,
		Typing:    typing,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		t.logger.Debug("typing broadcast failed", "peer", peer, "err", err)
	}
}

// Activity records qualifying local activity (pointer, key, scroll, touch):
// the inactivity timer is re-armed, and an INACTIVE to ACTIVE transition
// broadcasts one activity ping.
func (t *Tracker) Activity() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	wasActive := t.active
	t.active = true
	t.armInactivityLocked()
	t.mu.Unlock()

	if !wasActive {
		t.broadcastActive()
	}
}

// ForceActive handles tab-visible and network-online events.
func (t *Tracker) ForceActive() { t.Activity() }

// ForceInactive handles tab-hidden, network-offline, and page-unload events:
// immediate INACTIVE with a best-effort broadcast.
func (t *Tracker) ForceInactive() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	wasActive := t.active
	t.active = false
	if t.inactivityTimer != nil {
		t.inactivityTimer.Stop()
		t.inactivityTimer = nil
	}
	t.mu.Unlock()

	if wasActive {
		t.broadcastInactive()
	}
}

func (t *Tracker) armInactivityLocked() {
	if t.inactivityTimer != nil {
		t.inactivityTimer.Reset(t.inactivityTimeout)
		return
	}
	t.inactivityTimer = time.AfterFunc(t.inactivityTimeout, t.inactivityExpired)
}

func (t *Tracker) inactivityExpired() {
	t.mu.Lock()
	if t.closed || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.mu.Unlock()

	t.broadcastInactive()
	metrics.Collector.Counter("presence_timeouts_total", "Local transitions to INACTIVE by timer").Inc()
}

func (t *Tracker) broadcastActive() {
	if err := t.transport.Publish(transport.DestActive, statusPayload{UserID: t.self, Active: true}); err != nil {
		t.logger.Debug("activity ping failed", "err", err)
	}
}

func (t *Tracker) broadcastInactive() {
	if err := t.transport.Publish(transport.DestInactive, statusPayload{UserID: t.self, Active: false}); err != nil {
		t.logger.Debug("inactive broadcast failed", "err", err)
	}
}

// Active reports the local activity state.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Tracker) onTyping(payload []byte) {
	var p typingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.logger.Warn("invalid typing broadcast", "err", err)
		return
	}
	if p.FromUser == "" || p.FromUser == t.self {
		return
	}
	ts, err := domain.ParseTimestamp(p.Timestamp)
	if err != nil {
		ts = time.Now()
	}

	t.mu.Lock()
	t.typing[domain.TypingKey{From: p.FromUser, To: p.ToUser}] = domain.TypingEntry{
		From:      p.FromUser,
		To:        p.ToUser,
		Typing:    p.Typing,
		Timestamp: ts,
	}
	t.mu.Unlock()
}

func (t *Tracker) onStatus(payload []byte) {
	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.logger.Warn("invalid presence broadcast", "err", err)
		return
	}
	if p.UserID == "" || p.UserID == t.self {
		return
	}
	ts, err := domain.ParseTimestamp(p.Timestamp)
	if err != nil {
		ts = time.Now()
	}

	t.mu.Lock()
	t.presence[p.UserID] = domain.PresenceEntry{UserID: p.UserID, Active: p.Active, LastActive: ts}
	t.updateOnlineGaugeLocked()
	t.mu.Unlock()
}

// onSnapshot applies the online-users reply as a batch of ACTIVE upserts,
// excluding self.
func (t *Tracker) onSnapshot(payload []byte) {
	var p snapshotPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		// Some servers reply with a bare array.
		if err2 := json.Unmarshal(payload, &p.Users); err2 != nil {
			t.logger.Warn("invalid online-users snapshot", "err", err)
			return
		}
	}
	now := time.Now()

	t.mu.Lock()
	for _, user := range p.Users {
		if user == "" || user == t.self {
			continue
		}
		t.presence[user] = domain.PresenceEntry{UserID: user, Active: true, LastActive: now}
	}
	t.updateOnlineGaugeLocked()
	t.mu.Unlock()
}

func (t *Tracker) updateOnlineGaugeLocked() {
	n := int64(0)
	for _, e := range t.presence {
		if e.Active {
			n++
		}
	}
	metrics.Collector.Gauge("presence_online_peers", "Peers last seen ACTIVE").Set(n)
}

// PeerActive reports the last observed presence of a peer.
func (t *Tracker) PeerActive(user string) (domain.PresenceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.presence[user]
	return e, ok
}

// PeerTyping reports whether from is currently typing to to.
func (t *Tracker) PeerTyping(from, to string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing[domain.TypingKey{From: from, To: to}].Typing
}

// OnlinePeers returns the peers last seen ACTIVE.
func (t *Tracker) OnlinePeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := make([]string, 0, len(t.presence))
	for id, e := range t.presence {
		if e.Active {
			users = append(users, id)
		}
	}
	return users
}

package chat

import (
	"time"

	"chatwire/internal/domain"
)

// DedupPolicy is the single timestamp-window policy used for every "is this
// the same logical message" decision. One window per comparison class rather
// than one per code path.
type DedupPolicy struct {
	// ExactResend suppresses a replay of an optimistic entry (same temp id
	// processed twice, e.g. an upload mutation re-applied).
	ExactResend time.Duration
	// Text merges two canonical plain-text messages.
	Text time.Duration
	// Attachment merges messages carrying attachments, and also bounds how
	// far a confirmation may drift from its optimistic original: upload and
	// transit latency put the server timestamp well past the local one.
	Attachment time.Duration
}

// DefaultDedupPolicy mirrors the config defaults.
func DefaultDedupPolicy() DedupPolicy {
	return DedupPolicy{
		ExactResend: 100 * time.Millisecond,
		Text:        time.Second,
		Attachment:  2500 * time.Millisecond,
	}
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func sameTriple(a, b domain.Message) bool {
	return a.Content == b.Content && a.Sender == b.Sender && a.Receiver == b.Receiver
}

// matchesCanonical reports whether two canonical messages represent the same
// logical message: equal ids, or equal (content, sender, receiver) with
// timestamps inside the class window.
func (p DedupPolicy) matchesCanonical(a, b domain.Message) bool {
	if a.ID == b.ID {
		return true
	}
	if !sameTriple(a, b) {
		return false
	}
	window := p.Text
	if a.HasAttachments() || b.HasAttachments() {
		window = p.Attachment
	}
	return within(a.Timestamp, b.Timestamp, window)
}

// matchesConfirmation reports whether canonical confirms the pending
// optimistic entry. Ids never match here (the server issues a fresh one), so
// the decision is content plus participants within the wide window. When
// several pending entries match (two legitimate repeats in flight), the
// store pairs the confirmation with the closest timestamp; an entry inside
// the ExactResend window is unambiguously the confirmation's own original.
func (p DedupPolicy) matchesConfirmation(optimistic, canonical domain.Message) bool {
	if !sameTriple(optimistic, canonical) {
		return false
	}
	return within(optimistic.Timestamp, canonical.Timestamp, p.Attachment)
}

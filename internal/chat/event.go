package chat

import "chatwire/internal/domain"

// EventKind classifies store mutations for listeners.
type EventKind int

const (
	KindOptimistic EventKind = iota // local send inserted
	KindIncoming                    // message from a peer materialized
	KindConfirmed                   // optimistic entry promoted to canonical
	KindUpdated                     // optimistic entry mutated (upload finished)
	KindSendFailed                  // optimistic entry removed: delivery failed
	KindUploadFailed                // optimistic entry removed: upload failed
	KindHistory                     // historical batch merged
)

func (k EventKind) String() string {
	switch k {
	case KindOptimistic:
		return "optimistic"
	case KindIncoming:
		return "incoming"
	case KindConfirmed:
		return "confirmed"
	case KindUpdated:
		return "updated"
	case KindSendFailed:
		return "send-failed"
	case KindUploadFailed:
		return "upload-failed"
	case KindHistory:
		return "history"
	default:
		return "unknown"
	}
}

// Event is emitted on every store mutation. Message is zero-valued for
// KindHistory; Err is set only for the failure kinds.
type Event struct {
	Kind    EventKind
	Peer    string
	Message domain.Message
	Err     error
}

package domain

import "context"

// ConnState is the lifecycle state of the one shared transport session.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError // retry cap exhausted; only a manual reconnect leaves this state
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Disposer undoes a subscription. Calling it more than once is a no-op.
type Disposer func()

// Transport is the authenticated publish/subscribe session shared by every
// component of an active chat session. One instance per login; torn down
// exactly once on logout.
type Transport interface {
	// Connect establishes the session and starts the reconnect loop.
	Connect(ctx context.Context) error
	// Subscribe registers a handler for pushes on topic. The returned
	// Disposer must be collected by the caller and invoked on teardown.
	Subscribe(topic string, handler func(payload []byte)) Disposer
	// Publish sends a payload to a destination. Returns ErrNotConnected
	// when the session is down so callers can fall back to HTTP.
	Publish(destination string, payload any) error
	// OnStateChange observes connection state transitions.
	OnStateChange(handler func(ConnState)) Disposer
	// State returns the current connection state.
	State() ConnState
	// Reconnect resets the attempt counter after cap exhaustion and
	// retries once. No-op unless the transport is in StateError.
	Reconnect()
	// Disconnect tears the session down and cancels pending timers.
	Disconnect()
}

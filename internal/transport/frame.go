package transport

import "encoding/json"

// Frame is the JSON protocol exchanged over the WebSocket session.
type Frame struct {
	Type        string          `json:"type"` // connect | connected | send | message | error
	Topic       string          `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
}

const (
	frameConnect   = "connect"
	frameConnected = "connected"
	frameSend      = "send"
	frameMessage   = "message"
	frameError     = "error"
)

// connectPayload carries the handshake credentials. CSRF is best-effort:
// the handshake proceeds without it when the token fetch fails.
type connectPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
	CSRF   string `json:"csrf,omitempty"`
}

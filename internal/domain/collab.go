package domain

import "context"

// Queries is the read-side HTTP collaborator.
type Queries interface {
	// Messages fetches the historical messages between self and peer.
	// Individually malformed records are already dropped by the client.
	Messages(ctx context.Context, self, peer string) ([]Message, error)
	// ChatSummaries fetches the full conversation summary list for self.
	ChatSummaries(ctx context.Context, self string) ([]ChatSummary, error)
}

// SendResult is the server's acknowledgement of an HTTP-fallback send.
type SendResult struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
}

// Sender is the HTTP send command used when the transport is down.
// Never retried automatically.
type Sender interface {
	SendMessage(ctx context.Context, msg Message) (SendResult, error)
}

// UploadResult is the outcome of uploading one attachment. Order matches
// the order files were handed in.
type UploadResult struct {
	URL string `json:"url"`
	Err error  `json:"-"`
}

// Uploader is the attachment upload collaborator.
type Uploader interface {
	Upload(ctx context.Context, files []string) ([]UploadResult, error)
}

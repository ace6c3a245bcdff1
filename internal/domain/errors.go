package domain

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Transport.Publish when the session is down.
var ErrNotConnected = errors.New("transport not connected")

// ErrRetriesExhausted marks the terminal transport state after the reconnect
// cap is hit. Only a manual reconnect recovers from it.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

// DeliveryError reports that both the transport publish and the HTTP
// fallback failed for one send. The optimistic entry has been removed;
// resending is up to the caller.
type DeliveryError struct {
	TempID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed for %s: %v", e.TempID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// UploadError reports a failed attachment upload. Only the affected
// message is aborted.
type UploadError struct {
	TempID string
	File   string
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed for %s (%s): %v", e.TempID, e.File, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// MalformedDataError marks a fetched or pushed record that cannot be
// materialized. The record is dropped; the rest of its batch proceeds.
type MalformedDataError struct {
	Field  string
	Reason string
}

func (e *MalformedDataError) Error() string {
	return fmt.Sprintf("malformed record: %s: %s", e.Field, e.Reason)
}

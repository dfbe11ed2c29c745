package remote

import (
	"context"
	"errors"
	"fmt"

	"taskline/internal/domain"
)

// Outcome statuses on the wire.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ErrMalformedResponse means the remote answered but the batch reply as a
// whole could not be used. Every entry of the batch is treated as failed.
var ErrMalformedResponse = errors.New("malformed remote response")

// Client exchanges a batch of queued operations with the remote authority.
// A returned error other than ErrMalformedResponse is a transport failure.
type Client interface {
	Exchange(ctx context.Context, items []Item) ([]Outcome, error)
}

// Item is one queued operation sent to the remote.
type Item struct {
	EntryID   int64            `json:"entry_id"`
	TaskID    string           `json:"task_id"`
	Operation domain.Operation `json:"operation"`
	Payload   domain.Task      `json:"payload"`
}

// Outcome is the remote verdict for one item. EntryID and Operation are
// optional; zero values mean the remote did not echo them.
type Outcome struct {
	EntryID          int64            `json:"entry_id,omitempty"`
	TaskID           string           `json:"task_id"`
	Operation        domain.Operation `json:"operation,omitempty"`
	Status           string           `json:"status"`
	ResolvedSnapshot *domain.Task     `json:"resolved_snapshot,omitempty"`
	Error            string           `json:"error,omitempty"`
	Retryable        *bool            `json:"retryable,omitempty"`
}

// Rejected reports an explicit non-retryable failure.
func (o Outcome) Rejected() bool {
	return o.Status == StatusFailure && o.Retryable != nil && !*o.Retryable
}

type ExchangeRequest struct {
	Items []Item `json:"items"`
}

type ExchangeResponse struct {
	Outcomes []Outcome `json:"outcomes"`
}

// StatusError wraps non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote error: status=%d body=%s", e.StatusCode, e.Body)
}

// Is makes 4xx responses match ErrMalformedResponse: the remote refused
// the batch itself rather than being unreachable.
func (e *StatusError) Is(target error) bool {
	return target == ErrMalformedResponse && e.StatusCode >= 400 && e.StatusCode < 500
}

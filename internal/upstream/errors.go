package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrGenerationActive is returned when Start is called on a session that
	// already has a generation in flight.
	ErrGenerationActive = errors.New("a generation is already active on this session")

	// ErrCancelled marks a generation aborted by the caller. Downstream code
	// must not report it as a failure.
	ErrCancelled = errors.New("generation cancelled by caller")

	// ErrEmptyBody is returned when the upstream answers 2xx with no body.
	ErrEmptyBody = errors.New("empty response body")
)

// UpstreamError is an error event received mid-stream from the remote
// application. It carries the full event payload as detail.
type UpstreamError struct {
	Status  int
	Code    string
	Message string
	Detail  map[string]any
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("upstream error: %s", e.Message)
}

// StatusError is a non-2xx response from the generation endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream request failed: status code %d, body %s", e.StatusCode, e.Body)
}

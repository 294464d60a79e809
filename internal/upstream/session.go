package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Mode selects which generation endpoint an application speaks.
type Mode string

const (
	ModeChat     Mode = "chat"
	ModeWorkflow Mode = "workflow"
)

func (m Mode) generatePath() string {
	if m == ModeWorkflow {
		return "/workflows/run"
	}
	return "/chat-messages"
}

// GenerateRequest is the body of a generation call. ResponseMode is forced to
// streaming by the session regardless of what the caller sets.
type GenerateRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query,omitempty"`
	User           string         `json:"user"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// Callbacks receive the interpreted stream. Any field may be nil. Exactly one
// of OnComplete / OnError fires per generation, never both.
type Callbacks struct {
	OnMessage           func(text string, first bool)
	OnThought           func(text string)
	OnWorkflowStarted   func(detail map[string]any)
	OnNodeStarted       func(detail map[string]any)
	OnNodeCompleted     func(detail map[string]any)
	OnWorkflowCompleted func(detail map[string]any)
	OnComplete          func(meta Metadata)
	OnError             func(err error)
}

// Session drives one generation request/response cycle at a time against a
// remote application endpoint. At most one generation may be active per
// instance; a second Start is rejected without touching the first.
type Session struct {
	mu     sync.Mutex
	active bool
	cancel context.CancelCauseFunc

	client   *http.Client
	endpoint string
	apiKey   string
	mode     Mode
}

func NewSession(endpoint, apiKey string, mode Mode) *Session {
	return &Session{
		// No overall timeout: a generation stream stays open for as long as
		// the model keeps producing tokens.
		client:   &http.Client{},
		endpoint: endpoint,
		apiKey:   apiKey,
		mode:     mode,
	}
}

// Start runs the full generation cycle, blocking until a terminal outcome.
// The returned error mirrors what was delivered to OnError, nil on success.
func (s *Session) Start(ctx context.Context, req GenerateRequest, cb Callbacks) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return s.fail(cb, ErrGenerationActive)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	s.active = true
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		// Single finalization step: a subsequent Start is always possible
		// after any outcome.
		s.mu.Lock()
		s.active = false
		s.cancel = nil
		s.mu.Unlock()
		cancel(nil)
	}()

	req.ResponseMode = "streaming"
	body, err := json.Marshal(req)
	if err != nil {
		return s.fail(cb, fmt.Errorf("could not marshal generation request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+s.mode.generatePath(), bytes.NewReader(body))
	if err != nil {
		return s.fail(cb, fmt.Errorf("could not build generation request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrCancelled) {
			return s.fail(cb, ErrCancelled)
		}
		return s.fail(cb, fmt.Errorf("generation request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return s.fail(cb, &StatusError{StatusCode: resp.StatusCode, Body: string(detail)})
	}

	decoder := &FrameDecoder{}
	interp := &Interpreter{}
	meta := Metadata{}
	start := time.Now()

	received := 0
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			received += n
			for _, frame := range decoder.Feed(buf[:n]) {
				if ev := interp.Interpret(frame, meta); ev != nil {
					if ev.Kind == EventError {
						return s.fail(cb, ev.Err)
					}
					dispatch(cb, ev)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if cause := context.Cause(ctx); errors.Is(cause, ErrCancelled) {
				return s.fail(cb, ErrCancelled)
			}
			return s.fail(cb, fmt.Errorf("error reading generation stream: %w", readErr))
		}
	}

	if received == 0 {
		return s.fail(cb, ErrEmptyBody)
	}

	for _, frame := range decoder.Finish() {
		if ev := interp.Interpret(frame, meta); ev != nil {
			if ev.Kind == EventError {
				return s.fail(cb, ev.Err)
			}
			dispatch(cb, ev)
		}
	}

	// Workflow runs without streamed chunks still carry their answer in node
	// outputs; surface it as the single delta before completing.
	if !interp.SawDelta() {
		if text, ok := interp.FinalOverride(); ok && cb.OnMessage != nil {
			cb.OnMessage(text, true)
		}
	}

	if _, ok := meta["elapsed_time"]; !ok {
		meta["elapsed_time"] = time.Since(start).Seconds()
	}
	if cb.OnComplete != nil {
		cb.OnComplete(meta)
	}
	return nil
}

// Cancel aborts the in-flight generation, if any. Calling it while nothing is
// active is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel(ErrCancelled)
	}
}

func (s *Session) fail(cb Callbacks, err error) error {
	if !errors.Is(err, ErrCancelled) {
		slog.Error("generation failed", "mode", s.mode, "error", err)
	}
	if cb.OnError != nil {
		cb.OnError(err)
	}
	return err
}

func dispatch(cb Callbacks, ev *Event) {
	switch ev.Kind {
	case EventDelta:
		if cb.OnMessage != nil {
			cb.OnMessage(ev.Text, ev.First)
		}
	case EventThought:
		if cb.OnThought != nil {
			cb.OnThought(ev.Text)
		}
	case EventWorkflowStarted:
		if cb.OnWorkflowStarted != nil {
			cb.OnWorkflowStarted(ev.Detail)
		}
	case EventNodeStarted:
		if cb.OnNodeStarted != nil {
			cb.OnNodeStarted(ev.Detail)
		}
	case EventNodeFinished:
		if cb.OnNodeCompleted != nil {
			cb.OnNodeCompleted(ev.Detail)
		}
	case EventWorkflowFinished:
		if cb.OnWorkflowCompleted != nil {
			cb.OnWorkflowCompleted(ev.Detail)
		}
	}
}

package upstream_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"appchat-backend/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedStream struct {
	mu        sync.Mutex
	deltas    []string
	firsts    []bool
	thoughts  []string
	stages    []string
	meta      upstream.Metadata
	completes int
	errs      []error
}

func (rec *recordedStream) callbacks() upstream.Callbacks {
	return upstream.Callbacks{
		OnMessage: func(text string, first bool) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.deltas = append(rec.deltas, text)
			rec.firsts = append(rec.firsts, first)
		},
		OnThought: func(text string) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.thoughts = append(rec.thoughts, text)
		},
		OnNodeStarted: func(detail map[string]any) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.stages = append(rec.stages, "node_started")
		},
		OnWorkflowCompleted: func(detail map[string]any) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.stages = append(rec.stages, "workflow_finished")
		},
		OnComplete: func(meta upstream.Metadata) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.completes++
			rec.meta = meta
		},
		OnError: func(err error) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.errs = append(rec.errs, err)
		},
	}
}

func sseServer(t *testing.T, wantPath string, frames ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, wantPath, r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req upstream.GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "streaming", req.ResponseMode)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestSessionChatStream(t *testing.T) {
	server := sseServer(t, "/chat-messages",
		`{"event":"message","answer":"Hel"}`,
		`{"event":"message","answer":"lo"}`,
		`{"event":"message_end","conversation_id":"conv-9","message_id":"msg-9","metadata":{"usage":{"total_tokens":12}}}`,
	)
	defer server.Close()

	session := upstream.NewSession(server.URL, "test-key", upstream.ModeChat)
	rec := &recordedStream{}

	err := session.Start(context.Background(), upstream.GenerateRequest{Query: "hi", User: "u1"}, rec.callbacks())
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, rec.deltas)
	assert.Equal(t, []bool{true, false}, rec.firsts)
	assert.Equal(t, 1, rec.completes)
	assert.Empty(t, rec.errs)
	assert.Equal(t, "conv-9", rec.meta["conversation_id"])
	assert.Equal(t, "msg-9", rec.meta["message_id"])
	assert.Contains(t, rec.meta, "elapsed_time")
}

func TestSessionWorkflowFinalOverride(t *testing.T) {
	// No text_chunk frames at all: the answer only exists in node outputs and
	// must still arrive as a single first delta.
	server := sseServer(t, "/workflows/run",
		`{"event":"workflow_started","workflow_run_id":"run-1"}`,
		`{"event":"node_started","data":{"title":"LLM"}}`,
		`{"event":"node_finished","data":{"outputs":{"text":"the answer"}}}`,
		`{"event":"workflow_finished","data":{"status":"succeeded"}}`,
	)
	defer server.Close()

	session := upstream.NewSession(server.URL, "test-key", upstream.ModeWorkflow)
	rec := &recordedStream{}

	err := session.Start(context.Background(), upstream.GenerateRequest{Inputs: map[string]any{"query": "q"}, User: "u1"}, rec.callbacks())
	require.NoError(t, err)

	assert.Equal(t, []string{"the answer"}, rec.deltas)
	assert.Equal(t, []bool{true}, rec.firsts)
	assert.Equal(t, []string{"node_started", "workflow_finished"}, rec.stages)
	assert.Equal(t, 1, rec.completes)
}

func TestSessionErrorEventIsTerminal(t *testing.T) {
	server := sseServer(t, "/chat-messages",
		`{"event":"message","answer":"partial"}`,
		`{"event":"error","status":400,"code":"quota_exceeded","message":"no quota"}`,
	)
	defer server.Close()

	session := upstream.NewSession(server.URL, "test-key", upstream.ModeChat)
	rec := &recordedStream{}

	err := session.Start(context.Background(), upstream.GenerateRequest{Query: "hi", User: "u1"}, rec.callbacks())
	require.Error(t, err)

	var upErr *upstream.UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "quota_exceeded", upErr.Code)

	assert.Equal(t, []string{"partial"}, rec.deltas, "deltas before the error are kept")
	assert.Zero(t, rec.completes, "OnComplete must not fire after OnError")
	require.Len(t, rec.errs, 1)
}

func TestSessionNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	session := upstream.NewSession(server.URL, "bad-key", upstream.ModeChat)
	rec := &recordedStream{}

	err := session.Start(context.Background(), upstream.GenerateRequest{Query: "hi", User: "u1"}, rec.callbacks())

	var statusErr *upstream.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "unauthorized")
	assert.Zero(t, rec.completes)
}

func TestSessionEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	session := upstream.NewSession(server.URL, "test-key", upstream.ModeChat)
	rec := &recordedStream{}

	err := session.Start(context.Background(), upstream.GenerateRequest{Query: "hi", User: "u1"}, rec.callbacks())
	require.ErrorIs(t, err, upstream.ErrEmptyBody)
	assert.Zero(t, rec.completes)
}

func TestSessionCancel(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"spinning\"}\n\n")
		flusher.Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	session := upstream.NewSession(server.URL, "test-key", upstream.ModeChat)
	rec := &recordedStream{}

	done := make(chan error, 1)
	go func() {
		done <- session.Start(context.Background(), upstream.GenerateRequest{Query: "hi", User: "u1"}, rec.callbacks())
	}()

	<-started
	session.Cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, upstream.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not stop after cancel")
	}
	assert.Zero(t, rec.completes)
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], upstream.ErrCancelled)
}

func TestSessionSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"busy\"}\n\n")
		flusher.Flush()
		close(started)
		<-release
	}))
	defer server.Close()

	session := upstream.NewSession(server.URL, "test-key", upstream.ModeChat)
	first := &recordedStream{}

	done := make(chan error, 1)
	go func() {
		done <- session.Start(context.Background(), upstream.GenerateRequest{Query: "a", User: "u1"}, first.callbacks())
	}()
	<-started

	second := &recordedStream{}
	err := session.Start(context.Background(), upstream.GenerateRequest{Query: "b", User: "u1"}, second.callbacks())
	require.ErrorIs(t, err, upstream.ErrGenerationActive)
	require.Len(t, second.errs, 1)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, first.completes, "rejected second start must not disturb the first")
	assert.Empty(t, first.errs)
}

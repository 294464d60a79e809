package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"appchat-backend/internal/chat"
)

// sseWriter re-streams controller updates to the browser as server-sent
// events, flushing after every frame so deltas render incrementally.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("response writer does not support flushing")
		return nil, CodedErrorf(http.StatusInternalServerError, "streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) Send(update chat.StreamUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		slog.Error("error serializing stream update", "error", err)
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		slog.Error("error writing stream update", "error", err)
		return
	}
	s.flusher.Flush()
}

// Copyright 2025 James Ross
package eventstore

import (
	"context"
	"net/http"
)

// ServeSSE writes a job's event stream to w until the client disconnects or
// the stream naturally terminates (spec §4.B). Intended to be wired behind
// a route in cmd/scheduler's admin surface.
func (s *Store) ServeSSE(w http.ResponseWriter, r *http.Request, opts StreamOptions) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for frame := range s.StreamEvents(ctx, opts) {
		if _, err := w.Write([]byte(frame)); err != nil {
			return
		}
		flusher.Flush()
	}
}

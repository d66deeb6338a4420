package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loomworks/loom/internal/streaming"
)

// handleRunEvents streams a run's progress via Server-Sent Events:
// persisted events replay first, then live events from the hub. The
// subscription opens before the replay so nothing falls in the gap; an
// event landing between the two phases may appear twice, which SSE
// consumers already have to tolerate.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), streaming.EventFilter{RunID: runID})
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "run_id", runID, "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	persisted, err := s.deps.Events.GetEvents(r.Context(), runID, 0)
	if err != nil {
		s.deps.Logger.Error("SSE replay failed", "run_id", runID, "error", err)
		http.Error(w, "event replay failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	for _, event := range persisted {
		var payload any
		if len(event.Payload) > 0 {
			_ = json.Unmarshal(event.Payload, &payload)
		}
		writeSSE(w, streaming.StreamEvent{
			RunID:     event.RunID,
			NodeID:    event.NodeID,
			EventType: event.Type,
			Payload:   payload,
		})
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event streaming.StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
}

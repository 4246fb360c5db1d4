package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
)

// handleStream runs the pipeline for machineId/readingId and serves every
// stage update as a Server-Sent Event. Each update is sent as "update"; the
// terminal update is sent as "done".
// A disconnect does not cancel the run.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	machineID, readingID := q.Get("machineId"), q.Get("readingId")
	if machineID == "" || readingID == "" {
		writeError(w, http.StatusBadRequest, errors.New("machineId and readingId are required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	in, err := s.orch.Prepare(r.Context(), machineID, readingID)
	if err != nil {
		writeError(w, lookupStatus(err), err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.Header().Set("X-Session-Id", in.SessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The run outlives the request: a client that goes away only stops the
	// writes, and the channel is drained so the session still finishes.
	ctx := r.Context()
	gone := false
	for u := range s.orch.Stream(context.WithoutCancel(ctx), in) {
		if gone {
			continue
		}
		if ctx.Err() != nil {
			gone = true
			log.Printf("stream %s: client disconnected, run continues", in.SessionID)
			continue
		}
		event := "update"
		if u.Done {
			event = "done"
		}
		data, err := json.Marshal(u)
		if err != nil {
			data, _ = json.Marshal(errorBody{Error: err.Error()})
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rcliao/selah/internal/orchestrator"
)

// event is one server-sent event.
type event struct {
	name string
	data any
}

type retryEvent struct {
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	WaitMS      int64  `json:"wait_ms"`
	Error       string `json:"error"`
}

type resultEvent struct {
	*orchestrator.Result
	Error string `json:"error,omitempty"`
}

func wantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream") || r.URL.Query().Get("stream") == "true"
}

// handleAsk runs a request. If the client goes away the task is detached, not
// canceled, so the reply is still stored in the conversation.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	stream := wantsStream(r)
	flusher, _ := w.(http.Flusher)
	if stream && flusher == nil {
		stream = false
	}

	events := make(chan event, 64)
	gone := make(chan struct{})
	send := func(ev event) {
		select {
		case events <- ev:
		case <-gone:
		}
	}
	var obs orchestrator.Observer
	if stream {
		obs = orchestrator.Observer{
			OnState: func(st orchestrator.State) { send(event{"state", map[string]string{"state": string(st)}}) },
			OnToken: func(tok string) { send(event{"token", map[string]string{"text": tok}}) },
			OnRetry: func(attempt, max int, err error, wait time.Duration) {
				send(event{"retry", retryEvent{Attempt: attempt, MaxAttempts: max, WaitMS: wait.Milliseconds(), Error: err.Error()}})
			},
		}
	}

	task, err := s.d.Orchestrator.Start(r.Context(), req, obs)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	if stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
	}

	for {
		select {
		case ev := <-events:
			writeEvent(w, ev)
			flusher.Flush()
		case <-task.Done():
			res, err := task.Wait(context.Background())
			if !stream {
				if err != nil {
					writeError(w, statusFor(err), err)
					return
				}
				writeJSON(w, http.StatusOK, res)
				return
			}
			for drained := false; !drained; {
				select {
				case ev := <-events:
					writeEvent(w, ev)
				default:
					drained = true
				}
			}
			done := resultEvent{Result: res}
			if err != nil {
				done.Error = err.Error()
			}
			writeEvent(w, event{"done", done})
			flusher.Flush()
			return
		case <-r.Context().Done():
			task.Detach()
			close(gone)
			s.log.Info().Str("request", task.Request().ID).Msg("client went away, request continues detached")
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev event) {
	b, err := json.Marshal(ev.data)
	if err != nil {
		b = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, b)
}

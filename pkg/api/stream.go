package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"g3/pkg/job"
)

// SSE event names.
const (
	EventLog       = "log"
	EventHeartbeat = "heartbeat"
	EventDone      = "done"
)

// handleLogs streams a job's log entries as server-sent events: the replay
// history first, then live entries, a heartbeat while idle and a final done
// event carrying the terminal job. Last-Event-ID skips entries already seen.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "jobID")

	sub, err := s.svc.Subscribe(ctx, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer func() { sub.Close() }()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var last int64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		last, _ = strconv.ParseInt(raw, 10, 64)
	}
	send := func(entries []job.LogEntry) bool {
		for _, e := range entries {
			if e.Seq <= last {
				continue
			}
			if err := writeEvent(w, strconv.FormatInt(e.Seq, 10), EventLog, e); err != nil {
				return false
			}
			last = e.Seq
		}
		flusher.Flush()
		return true
	}
	if !send(sub.History) {
		return
	}

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			hb := job.NewLogEntry(id, job.LogRoleSystem, job.LogHeartbeat, "")
			if err := writeEvent(w, "", EventHeartbeat, hb); err != nil {
				return
			}
			flusher.Flush()

		case e, open := <-sub.Entries:
			if open {
				if !send([]job.LogEntry{e}) {
					return
				}
				continue
			}
			j, err := s.svc.GetStatus(ctx, id)
			if err != nil {
				s.logger.Warn("Job %s: status lookup after stream end failed: %v", id, err)
				return
			}
			if j.Status.IsTerminal() {
				_ = writeEvent(w, "", EventDone, j)
				flusher.Flush()
				return
			}
			// Dropped for falling behind: resubscribe and resume after last.
			next, err := s.svc.Subscribe(ctx, id)
			if err != nil {
				return
			}
			sub.Close()
			sub = next
			if !send(sub.History) {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, id, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

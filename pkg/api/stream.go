package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jsturma/joblet/pkg/logbus"
)

const (
	// terminalDrain is how long a log stream stays open after the job
	// reaches a terminal state, so buffered records still reach the client.
	terminalDrain = 5 * time.Second

	statusPollInterval = 500 * time.Millisecond
	writeWait          = 10 * time.Second
)

// handleStreamLogs upgrades to WebSocket and relays the job's log records.
// The `from` query selects the starting sequence; absent means tail-only.
// A client disconnect tears down only this stream, never the job.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	from := int64(logbus.TailOnly)
	if q := r.URL.Query().Get("from"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Code: "InvalidRequest", Message: "from must be a non-negative integer",
			})
			return
		}
		from = n
	}

	job, err := s.engine.GetJob(id)
	if err != nil {
		writeError(w, err)
		return
	}

	sub, err := s.engine.SubscribeLogs(id, from)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		return
	}
	defer conn.Close()
	defer sub.Cancel()

	// reader goroutine exists only to observe the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(statusPollInterval)
	defer poll.Stop()

	var drain <-chan time.Time
	terminal := job.Status.IsTerminal()
	if terminal {
		drain = time.After(terminalDrain)
	}

	for {
		select {
		case rec, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-poll.C:
			if terminal {
				continue
			}
			if j, err := s.engine.GetJob(id); err == nil && j.Status.IsTerminal() {
				terminal = true
				drain = time.After(terminalDrain)
			}
		case <-drain:
			return
		case <-gone:
			return
		}
	}
}

// handleStreamMetrics pushes a host sample over WebSocket on a fixed cadence
func (s *Server) handleStreamMetrics(w http.ResponseWriter, r *http.Request) {
	interval := 2 * time.Second
	if q := r.URL.Query().Get("interval"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d < 100*time.Millisecond {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Code: "InvalidRequest", Message: "interval must be a duration >= 100ms",
			})
			return
		}
		interval = d
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// one sample immediately, then on the ticker
		sample, err := s.engine.Sample()
		if err == nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(sample); err != nil {
				return
			}
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		}
	}
}

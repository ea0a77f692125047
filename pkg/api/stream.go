package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/aurora-admin/aurora/pkg/queue"
	"github.com/aurora-admin/aurora/pkg/storage"
	"github.com/aurora-admin/aurora/pkg/types"
)

// upgrader accepts any origin: the API is token-guarded and panels are
// served from their own hosts.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamJob follows a job's output over a websocket: recorded history
// first, then live lines until the stopword or the subscriber's idle
// timeout.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	jobID := p.ByName("id")

	lines, err := s.bus.Subscribe(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		return
	}
	defer conn.Close()

	for line := range lines {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// jobEvents is the SSE twin of streamJob for clients without websocket
// support.
func (s *Server) jobEvents(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	jobID := p.ByName("id")
	lines, err := s.bus.Subscribe(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for line := range lines {
		fmt.Fprintf(w, "data: %s\n\n", line)
		flusher.Flush()
	}
}

type runResult struct {
	JobID  string   `json:"job_id"`
	Output []string `json:"output,omitempty"`
}

// runRule re-enqueues the reconcile for an existing rule. With
// ?sync=true the handler drains the job's stream and responds with the
// collected output, the way one-shot panel actions expect.
func (s *Server) runRule(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	rule, err := s.store.GetRule(p.ByName("rule_id"))
	if storage.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Rule not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	port, err := s.store.GetPort(rule.PortID)
	if err != nil {
		storeError(w, err)
		return
	}

	job, err := s.queue.Enqueue(r.Context(), types.JobRuleReconcile,
		types.RulePayload{ServerID: port.ServerID, PortID: port.ID},
		queue.WithPriority(queue.PriorityReconcile))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("sync") != "true" {
		writeJSON(w, http.StatusAccepted, runResult{JobID: job.ID})
		return
	}

	// History is replayed first, so subscribing after the enqueue loses
	// nothing.
	lines, err := s.bus.Subscribe(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	output := make([]string, 0, 16)
	for line := range lines {
		output = append(output, line)
	}

	writeJSON(w, http.StatusOK, runResult{JobID: job.ID, Output: output})
}

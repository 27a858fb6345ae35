package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hdlkit/stimgate/internal/dispatch"
)

type healthResponse struct {
	Status        string `json:"status"`
	RunID         string `json:"run_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

type statusResponse struct {
	RunID           string                        `json:"run_id"`
	Executor        dispatch.Status               `json:"executor"`
	QueueDepth      int                           `json:"queue_depth"`
	LastTransaction *dispatch.TransactionSnapshot `json:"last_transaction,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		RunID:         s.engine.RunID(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    s.engine.QueueDepth(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		RunID:      s.engine.RunID(),
		Executor:   s.engine.Status(),
		QueueDepth: s.engine.QueueDepth(),
	}
	if last, ok := s.engine.LastTransaction(); ok {
		resp.LastTransaction = &last
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "transcript disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	rows, err := s.store.Recent(r.Context(), s.engine.RunID(), limit)
	if err != nil {
		s.logger.Error("transcript query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "transcript query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":       s.engine.RunID(),
		"transactions": rows,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

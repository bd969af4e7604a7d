package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/queue"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
	Queue   *queue.QueueStats `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// QueueResponse is the response for GET /api/v1/queue
type QueueResponse struct {
	Stats *queue.QueueStats `json:"stats"`
	Jobs  []*queue.Job      `json:"jobs"`
}

// DLQResponse is the response for GET /api/v1/dlq
type DLQResponse struct {
	Stats *queue.DLQStats `json:"stats"`
	Jobs  []*queue.Job    `json:"jobs"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var stats *queue.QueueStats
	if s.Jobs != nil {
		stats, _ = s.Jobs.Stats(r.Context())
	}

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Queue:   stats,
	})
}

// handleStats handles GET /api/v1/stats?since=RFC3339
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	since, ok := s.parseSince(w, r)
	if !ok {
		return
	}

	rep, err := s.Reports.Build(r.Context(), since)
	if err != nil {
		s.logger.Error("failed to build report", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to build stats")
		return
	}
	s.sendJSON(w, http.StatusOK, rep)
}

// handleLedgerList handles GET /api/v1/ledger
func (s *Server) handleLedgerList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.LedgerFilter{
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	filter.RecipientID = int64(queryInt(r, "recipient_id", 0))
	filter.CredentialID = int64(queryInt(r, "credential_id", 0))

	if status := q.Get("status"); status != "" {
		st, err := models.ParseSendStatus(status)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}

	since, ok := s.parseSince(w, r)
	if !ok {
		return
	}
	filter.Since = since

	records, err := s.Ledger.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list ledger", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list send records")
		return
	}
	s.sendJSON(w, http.StatusOK, records)
}

// handleLedgerGet handles GET /api/v1/ledger/{id}
func (s *Server) handleLedgerGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.Ledger.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get send record", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get send record")
		return
	}
	if rec == nil {
		s.sendError(w, http.StatusNotFound, "Send record not found")
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

// handleLedgerDelivered handles POST /api/v1/ledger/{id}/delivered
func (s *Server) handleLedgerDelivered(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := s.Ledger.MarkDelivered(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to mark record delivered", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to update send record")
		return
	}

	rec, err := s.Ledger.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get send record", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get send record")
		return
	}
	if rec == nil {
		s.sendError(w, http.StatusNotFound, "Send record not found")
		return
	}
	if !ok && rec.Status != models.SendDelivered {
		s.sendError(w, http.StatusConflict, "Only sent records can be marked delivered")
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

// handleQueue handles GET /api/v1/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Jobs.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get queue stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}

	filter := queue.ListFilter{
		Status:      queue.JobStatus(r.URL.Query().Get("status")),
		RecipientID: int64(queryInt(r, "recipient_id", 0)),
		Limit:       queryInt(r, "limit", 100),
		Offset:      queryInt(r, "offset", 0),
	}
	jobs, err := s.Jobs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	s.sendJSON(w, http.StatusOK, QueueResponse{Stats: stats, Jobs: nonNil(jobs)})
}

// handleQueueGet handles GET /api/v1/queue/{id}
func (s *Server) handleQueueGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get job", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	if job == nil {
		s.sendError(w, http.StatusNotFound, "Job not found")
		return
	}
	s.sendJSON(w, http.StatusOK, job)
}

// handleDLQ handles GET /api/v1/dlq
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Jobs.DLQStats(r.Context())
	if err != nil {
		s.logger.Error("failed to get DLQ stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get DLQ stats")
		return
	}

	jobs, err := s.Jobs.ListDLQ(r.Context(), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		s.logger.Error("failed to list DLQ jobs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list DLQ jobs")
		return
	}

	s.sendJSON(w, http.StatusOK, DLQResponse{Stats: stats, Jobs: nonNil(jobs)})
}

// handleDLQGet handles GET /api/v1/dlq/{id}
func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.Jobs.GetFromDLQ(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get DLQ job", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get DLQ job")
		return
	}
	if job == nil {
		s.sendError(w, http.StatusNotFound, "Job not found in DLQ")
		return
	}
	s.sendJSON(w, http.StatusOK, job)
}

// handleDLQRetry handles POST /api/v1/dlq/{id}/retry
func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.Jobs.GetFromDLQ(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get DLQ job", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get DLQ job")
		return
	}
	if job == nil {
		s.sendError(w, http.StatusNotFound, "Job not found in DLQ")
		return
	}

	if err := s.Jobs.RetryFromDLQ(r.Context(), id); err != nil {
		s.logger.Error("failed to retry DLQ job", "id", id, "error", err)
		s.sendError(w, http.StatusConflict, "Failed to retry job: "+err.Error())
		return
	}

	s.logger.Info("job retried from DLQ", "id", id)
	s.sendJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Job moved to pending queue",
	})
}

// handleDLQDelete handles DELETE /api/v1/dlq/{id}
func (s *Server) handleDLQDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.Jobs.DeleteFromDLQ(r.Context(), id); err != nil {
		s.logger.Error("failed to delete DLQ job", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete job")
		return
	}

	s.logger.Info("job deleted from DLQ", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) parseSince(w http.ResponseWriter, r *http.Request) (*time.Time, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil, true
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		return nil, false
	}
	return &since, true
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func nonNil(jobs []*queue.Job) []*queue.Job {
	if jobs == nil {
		return []*queue.Job{}
	}
	return jobs
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

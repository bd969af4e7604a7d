package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/review"
)

// DecisionRequest is the body for single and bulk review decisions
type DecisionRequest struct {
	IDs   []string `json:"ids,omitempty"`
	Notes string   `json:"notes,omitempty"`
}

// BulkDecisionResponse reports per-item outcomes of a bulk decision
type BulkDecisionResponse struct {
	Results   []review.Result `json:"results"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// handleReviewsList handles GET /api/v1/reviews?status=pending&site_id=
func (s *Server) handleReviewsList(w http.ResponseWriter, r *http.Request) {
	filter := models.ReviewFilter{
		SiteID: r.URL.Query().Get("site_id"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st, err := models.ParseReviewStatus(status)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}

	items, err := s.Reviews.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list review items", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list review items")
		return
	}
	if items == nil {
		items = []models.ReviewItem{}
	}
	s.sendJSON(w, http.StatusOK, items)
}

// handleReviewsGet handles GET /api/v1/reviews/{id}
func (s *Server) handleReviewsGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := s.Reviews.Get(r.Context(), id)
	if errors.Is(err, review.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Review item not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get review item", "review_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get review item")
		return
	}
	s.sendJSON(w, http.StatusOK, item)
}

// handleReviewsApprove handles POST /api/v1/reviews/{id}/approve
func (s *Server) handleReviewsApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.Reviews.Approve)
}

// handleReviewsReject handles POST /api/v1/reviews/{id}/reject
func (s *Server) handleReviewsReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.Reviews.Reject)
}

// handleReviewsBulkApprove handles POST /api/v1/reviews/approve
func (s *Server) handleReviewsBulkApprove(w http.ResponseWriter, r *http.Request) {
	s.decideBulk(w, r, s.Reviews.BulkApprove)
}

// handleReviewsBulkReject handles POST /api/v1/reviews/reject
func (s *Server) handleReviewsBulkReject(w http.ResponseWriter, r *http.Request) {
	s.decideBulk(w, r, s.Reviews.BulkReject)
}

type decideFunc func(ctx context.Context, id, reviewerID, notes string) (*models.ReviewItem, error)

type decideBulkFunc func(ctx context.Context, ids []string, reviewerID, notes string) []review.Result

func (s *Server) decide(w http.ResponseWriter, r *http.Request, fn decideFunc) {
	id := chi.URLParam(r, "id")

	var req DecisionRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	item, err := fn(r.Context(), id, principalFrom(r.Context()).ReviewerID(), req.Notes)
	switch {
	case errors.Is(err, review.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Review item not found")
	case errors.Is(err, review.ErrNotPending):
		s.sendError(w, http.StatusConflict, "Review item already "+string(item.Status))
	case err != nil:
		s.logger.Error("failed to decide review item", "review_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to decide review item")
	default:
		s.sendJSON(w, http.StatusOK, item)
	}
}

func (s *Server) decideBulk(w http.ResponseWriter, r *http.Request, fn decideBulkFunc) {
	var req DecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		s.sendError(w, http.StatusBadRequest, "ids is required")
		return
	}

	results := fn(r.Context(), req.IDs, principalFrom(r.Context()).ReviewerID(), req.Notes)

	resp := BulkDecisionResponse{Results: results}
	for _, res := range results {
		if res.Error == "" {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

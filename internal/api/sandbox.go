package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/dnscheck"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/sandbox"
)

// Sandbox reads messages held back by capture or redirect mode
type Sandbox interface {
	List(ctx context.Context, filter sandbox.ListFilter) ([]*sandbox.Message, error)
	Get(ctx context.Context, id string) (*sandbox.Message, error)
	Stats(ctx context.Context) (*sandbox.Stats, error)
}

// DNSChecker checks a credential's sending domain
type DNSChecker interface {
	CheckCredential(ctx context.Context, c *models.Credential, expectedDKIM string) (*dnscheck.Report, error)
}

// DKIMRecords derives the DKIM TXT value a credential should publish. It
// returns "" when the credential does not sign.
type DKIMRecords func(c *models.Credential) (string, error)

// SandboxResponse lists captured messages
type SandboxResponse struct {
	Stats    *sandbox.Stats     `json:"stats"`
	Messages []*sandbox.Message `json:"messages"`
}

// DNSCheckResponse is the result of a credential DNS check
type DNSCheckResponse struct {
	*dnscheck.Report
	Ready bool `json:"ready"`
}

// handleSandboxList handles GET /api/v1/sandbox
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	if s.Sandbox == nil {
		s.sendError(w, http.StatusNotFound, "Sandbox mode is not enabled")
		return
	}

	filter := sandbox.ListFilter{
		To:     r.URL.Query().Get("to"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("credential_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid credential_id")
			return
		}
		filter.CredentialID = id
	}

	stats, err := s.Sandbox.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get sandbox stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get sandbox stats")
		return
	}
	msgs, err := s.Sandbox.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list sandbox messages", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list sandbox messages")
		return
	}
	if msgs == nil {
		msgs = []*sandbox.Message{}
	}

	s.sendJSON(w, http.StatusOK, SandboxResponse{Stats: stats, Messages: msgs})
}

// handleSandboxRaw handles GET /api/v1/sandbox/{id}/raw
func (s *Server) handleSandboxRaw(w http.ResponseWriter, r *http.Request) {
	if s.Sandbox == nil {
		s.sendError(w, http.StatusNotFound, "Sandbox mode is not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	msg, err := s.Sandbox.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get sandbox message", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get sandbox message")
		return
	}
	if msg == nil {
		s.sendError(w, http.StatusNotFound, "Message not found")
		return
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.WriteHeader(http.StatusOK)
	w.Write(msg.Data)
}

// handleCredentialsDNS handles GET /api/v1/credentials/{id}/dns
func (s *Server) handleCredentialsDNS(w http.ResponseWriter, r *http.Request) {
	if s.DNS == nil {
		s.sendError(w, http.StatusNotFound, "DNS checks are not available")
		return
	}

	c, ok := s.loadCredential(w, r)
	if !ok {
		return
	}

	var expected string
	if s.DKIMRecords != nil {
		var err error
		if expected, err = s.DKIMRecords(c); err != nil {
			s.logger.Warn("failed to load DKIM key for DNS check", "credential_id", c.ID, "error", err)
		}
	}

	report, err := s.DNS.CheckCredential(r.Context(), c, expected)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, DNSCheckResponse{Report: report, Ready: report.Ready()})
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/template"
)

// TemplateRequest is the request for creating or replacing a template
type TemplateRequest struct {
	Name    string `json:"name"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// PreviewRequest carries sample values for rendering a template
type PreviewRequest struct {
	RecipientName  string `json:"recipient_name"`
	RecipientEmail string `json:"recipient_email"`
	SiteDomain     string `json:"site_domain"`
	SenderName     string `json:"sender_name"`
	SenderAddress  string `json:"sender_address"`
}

// handleTemplatesList handles GET /api/v1/templates
func (s *Server) handleTemplatesList(w http.ResponseWriter, r *http.Request) {
	templates, err := s.Templates.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}
	s.sendJSON(w, http.StatusOK, templates)
}

// handleTemplatesCreate handles POST /api/v1/templates
func (s *Server) handleTemplatesCreate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tmpl := &models.Template{Name: req.Name, Subject: req.Subject, HTML: req.HTML, Text: req.Text}
	s.saveTemplate(w, r, tmpl, http.StatusCreated)
}

// handleTemplatesGet handles GET /api/v1/templates/{id}
func (s *Server) handleTemplatesGet(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := s.loadTemplate(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleTemplatesUpdate handles PUT /api/v1/templates/{id}
func (s *Server) handleTemplatesUpdate(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := s.loadTemplate(w, r)
	if !ok {
		return
	}

	var req TemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name != "" {
		tmpl.Name = req.Name
	}
	tmpl.Subject = req.Subject
	tmpl.HTML = req.HTML
	tmpl.Text = req.Text
	s.saveTemplate(w, r, tmpl, http.StatusOK)
}

// handleTemplatesPreview handles POST /api/v1/templates/{id}/preview
func (s *Server) handleTemplatesPreview(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := s.loadTemplate(w, r)
	if !ok {
		return
	}

	req := PreviewRequest{
		RecipientName:  "Jane Doe",
		RecipientEmail: "jane@example.com",
		SiteDomain:     "example.com",
		SenderName:     "Outreach",
		SenderAddress:  "outreach@example.org",
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	result, err := s.Renderer.Render(tmpl, template.Data{
		RecipientName:  req.RecipientName,
		RecipientEmail: req.RecipientEmail,
		SiteDomain:     req.SiteDomain,
		SenderName:     req.SenderName,
		SenderAddress:  req.SenderAddress,
	})
	if err != nil {
		s.sendError(w, http.StatusUnprocessableEntity, "Render failed: "+err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

func (s *Server) saveTemplate(w http.ResponseWriter, r *http.Request, tmpl *models.Template, status int) {
	if tmpl.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.Renderer.Validate(tmpl); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.Templates.Save(r.Context(), tmpl); err != nil {
		s.logger.Error("failed to save template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to save template")
		return
	}

	s.logger.Info("template saved", "template_id", tmpl.ID, "name", tmpl.Name)
	s.sendJSON(w, status, tmpl)
}

func (s *Server) loadTemplate(w http.ResponseWriter, r *http.Request) (*models.Template, bool) {
	id := chi.URLParam(r, "id")

	tmpl, err := s.Templates.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get template", "template_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get template")
		return nil, false
	}
	if tmpl == nil {
		s.sendError(w, http.StatusNotFound, "Template not found")
		return nil, false
	}
	return tmpl, true
}

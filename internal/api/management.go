package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/dispatch"
	"github.com/foxzi/outreach/internal/email"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/ratelimit"
)

// CredentialRequest is the request for creating or updating a credential.
// On update, omitted fields are left unchanged.
type CredentialRequest struct {
	Name         *string `json:"name"`
	Host         *string `json:"host"`
	Port         *int    `json:"port"`
	Username     *string `json:"username"`
	Password     *string `json:"password"`
	FromAddress  *string `json:"from_address"`
	FromName     *string `json:"from_name"`
	TLSMode      *string `json:"tls_mode"`
	DKIMDomain   *string `json:"dkim_domain"`
	DKIMSelector *string `json:"dkim_selector"`
	DKIMKeyFile  *string `json:"dkim_key_file"`
	DailyLimit   *int    `json:"daily_limit"`
	Timezone     *string `json:"timezone"`
}

// validate checks the fields that are set
func (req *CredentialRequest) validate() error {
	if req.Host != nil && *req.Host == "" {
		return errors.New("host must not be empty")
	}
	if req.Port != nil && (*req.Port < 1 || *req.Port > 65535) {
		return errors.New("port must be between 1 and 65535")
	}
	if req.FromAddress != nil {
		addr, ok := email.Normalize(*req.FromAddress)
		if !ok {
			return errors.New("from_address is not a valid email address")
		}
		*req.FromAddress = addr
	}
	if req.TLSMode != nil {
		switch *req.TLSMode {
		case models.TLSModeStartTLS, models.TLSModeImplicit, models.TLSModeNone:
		default:
			return errors.New("tls_mode must be starttls, tls or none")
		}
	}
	if req.DailyLimit != nil && *req.DailyLimit < 0 {
		return errors.New("daily_limit must not be negative")
	}
	if req.Timezone != nil {
		if _, err := time.LoadLocation(*req.Timezone); err != nil {
			return errors.New("timezone is not a valid IANA zone")
		}
	}
	return nil
}

// CredentialStateRequest is the request for enabling or disabling a credential
type CredentialStateRequest struct {
	Reason string `json:"reason"`
}

// SweepResponse is the response for POST /api/v1/credentials/sweep
type SweepResponse struct {
	Deactivated []int64 `json:"deactivated"`
}

// ThrottleResponse is the response for GET /api/v1/throttle/{domain}
type ThrottleResponse struct {
	Domain      string    `json:"domain"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourlyLimit int       `json:"hourly_limit"`
	DailyLimit  int       `json:"daily_limit"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// handleCredentialsList handles GET /api/v1/credentials?active=true
func (s *Server) handleCredentialsList(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	creds, err := s.Credentials.List(r.Context(), activeOnly)
	if err != nil {
		s.logger.Error("failed to list credentials", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list credentials")
		return
	}
	s.sendJSON(w, http.StatusOK, creds)
}

// handleCredentialsCreate handles POST /api/v1/credentials
func (s *Server) handleCredentialsCreate(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Host == nil || req.FromAddress == nil || req.DailyLimit == nil {
		s.sendError(w, http.StatusBadRequest, "host, from_address and daily_limit are required")
		return
	}
	if err := req.validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	c := &models.Credential{
		Host:        *req.Host,
		FromAddress: *req.FromAddress,
		DailyLimit:  *req.DailyLimit,
		Port:        587,
	}
	if req.Port != nil {
		c.Port = *req.Port
	}
	setString(&c.Name, req.Name)
	setString(&c.Username, req.Username)
	setString(&c.Password, req.Password)
	setString(&c.FromName, req.FromName)
	setString(&c.TLSMode, req.TLSMode)
	setString(&c.DKIMDomain, req.DKIMDomain)
	setString(&c.DKIMSelector, req.DKIMSelector)
	setString(&c.DKIMKeyFile, req.DKIMKeyFile)
	setString(&c.Timezone, req.Timezone)
	if c.Name == "" {
		c.Name = c.FromAddress
	}

	if err := s.Credentials.Create(r.Context(), c); err != nil {
		s.logger.Error("failed to create credential", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create credential")
		return
	}

	s.logger.Info("credential created", "credential_id", c.ID, "host", c.Host, "from", c.FromAddress)
	s.sendJSON(w, http.StatusCreated, c)
}

// handleCredentialsGet handles GET /api/v1/credentials/{id}
func (s *Server) handleCredentialsGet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCredential(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleCredentialsUpdate handles PATCH /api/v1/credentials/{id}
func (s *Server) handleCredentialsUpdate(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCredential(w, r)
	if !ok {
		return
	}

	var req CredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.DKIMDomain != nil || req.DKIMSelector != nil || req.DKIMKeyFile != nil {
		s.sendError(w, http.StatusBadRequest, "DKIM settings can only be set at creation")
		return
	}
	if err := req.validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	update := models.CredentialUpdate{
		Name:        req.Name,
		Host:        req.Host,
		Port:        req.Port,
		Username:    req.Username,
		Password:    req.Password,
		FromAddress: req.FromAddress,
		FromName:    req.FromName,
		TLSMode:     req.TLSMode,
		DailyLimit:  req.DailyLimit,
		Timezone:    req.Timezone,
	}
	if err := s.Credentials.Update(r.Context(), c.ID, update); err != nil {
		s.logger.Error("failed to update credential", "credential_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to update credential")
		return
	}

	s.respondCredential(w, r, c.ID, http.StatusOK)
}

// handleCredentialsEnable handles POST /api/v1/credentials/{id}/enable.
// Enabling resets the health counters.
func (s *Server) handleCredentialsEnable(w http.ResponseWriter, r *http.Request) {
	s.setCredentialState(w, r, true)
}

// handleCredentialsDisable handles POST /api/v1/credentials/{id}/disable
func (s *Server) handleCredentialsDisable(w http.ResponseWriter, r *http.Request) {
	s.setCredentialState(w, r, false)
}

func (s *Server) setCredentialState(w http.ResponseWriter, r *http.Request, active bool) {
	c, ok := s.loadCredential(w, r)
	if !ok {
		return
	}

	var req CredentialStateRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if !active && req.Reason == "" {
		req.Reason = "disabled by " + principalFrom(r.Context()).ReviewerID()
	}

	changed, err := s.Credentials.SetActive(r.Context(), c.ID, active, req.Reason, s.Now())
	if err != nil {
		s.logger.Error("failed to change credential state", "credential_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to change credential state")
		return
	}
	if changed {
		s.logger.Info("credential state changed", "credential_id", c.ID, "active", active)
	}

	s.respondCredential(w, r, c.ID, http.StatusOK)
}

// handleSweep handles POST /api/v1/credentials/sweep
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Sweeper.SweepHealth(r.Context())
	if err != nil {
		s.logger.Error("health sweep failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Health sweep failed")
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	s.sendJSON(w, http.StatusOK, SweepResponse{Deactivated: ids})
}

// handleDispatchTick handles POST /api/v1/dispatch/tick
func (s *Server) handleDispatchTick(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Dispatcher.Tick(r.Context())
	if errors.Is(err, dispatch.ErrNoActiveCredentials) {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("dispatch tick failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Dispatch tick failed")
		return
	}
	s.sendJSON(w, http.StatusOK, summary)
}

// handleSchedule handles GET /api/v1/schedule
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.Schedule == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Scheduler is not running")
		return
	}
	s.sendJSON(w, http.StatusOK, s.Schedule.Jobs())
}

// handleThrottle handles GET /api/v1/throttle/{domain}
func (s *Server) handleThrottle(w http.ResponseWriter, r *http.Request) {
	if s.Throttle == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Throttling is not enabled")
		return
	}

	domain := chi.URLParam(r, "domain")
	stats, err := s.Throttle.GetStats(r.Context(), ratelimit.LevelRecipientDomain, domain)
	if err != nil {
		s.logger.Error("failed to get throttle stats", "domain", domain, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get throttle stats")
		return
	}

	resp := ThrottleResponse{
		Domain:      domain,
		HourlyCount: stats.HourlyCount,
		DailyCount:  stats.DailyCount,
		HourStart:   stats.HourStart,
		DayStart:    stats.DayStart,
	}
	if limit := s.Throttle.LimitFor(domain); limit != nil {
		resp.HourlyLimit = limit.MessagesPerHour
		resp.DailyLimit = limit.MessagesPerDay
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) loadCredential(w http.ResponseWriter, r *http.Request) (*models.Credential, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid credential id")
		return nil, false
	}

	c, err := s.Credentials.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get credential", "credential_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get credential")
		return nil, false
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Credential not found")
		return nil, false
	}
	return c, true
}

func (s *Server) respondCredential(w http.ResponseWriter, r *http.Request, id int64, status int) {
	c, err := s.Credentials.GetByID(r.Context(), id)
	if err != nil || c == nil {
		s.logger.Error("failed to reload credential", "credential_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get credential")
		return
	}
	s.sendJSON(w, status, c)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

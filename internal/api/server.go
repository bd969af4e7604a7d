package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/dispatch"
	"github.com/foxzi/outreach/internal/ipfilter"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/queue"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/report"
	"github.com/foxzi/outreach/internal/review"
	"github.com/foxzi/outreach/internal/scheduler"
	"github.com/foxzi/outreach/internal/template"
)

// Credentials manages sending credentials
type Credentials interface {
	Create(ctx context.Context, c *models.Credential) error
	GetByID(ctx context.Context, id int64) (*models.Credential, error)
	List(ctx context.Context, activeOnly bool) ([]models.Credential, error)
	SetActive(ctx context.Context, id int64, active bool, reason string, now time.Time) (bool, error)
	Update(ctx context.Context, id int64, u models.CredentialUpdate) error
}

// Reviews is the review gate
type Reviews interface {
	Get(ctx context.Context, id string) (*models.ReviewItem, error)
	List(ctx context.Context, filter models.ReviewFilter) ([]models.ReviewItem, error)
	Approve(ctx context.Context, id, reviewerID, notes string) (*models.ReviewItem, error)
	Reject(ctx context.Context, id, reviewerID, notes string) (*models.ReviewItem, error)
	BulkApprove(ctx context.Context, ids []string, reviewerID, notes string) []review.Result
	BulkReject(ctx context.Context, ids []string, reviewerID, notes string) []review.Result
}

// Ledger reads send records
type Ledger interface {
	GetByID(ctx context.Context, id string) (*models.SendRecord, error)
	List(ctx context.Context, filter models.LedgerFilter) ([]models.SendRecord, error)
	MarkDelivered(ctx context.Context, id string) (bool, error)
}

// Jobs exposes the send queue and its dead letter queue
type Jobs interface {
	Get(ctx context.Context, id string) (*queue.Job, error)
	List(ctx context.Context, filter queue.ListFilter) ([]*queue.Job, error)
	Stats(ctx context.Context) (*queue.QueueStats, error)
	DLQStats(ctx context.Context) (*queue.DLQStats, error)
	ListDLQ(ctx context.Context, limit, offset int) ([]*queue.Job, error)
	GetFromDLQ(ctx context.Context, id string) (*queue.Job, error)
	RetryFromDLQ(ctx context.Context, id string) error
	DeleteFromDLQ(ctx context.Context, id string) error
}

// Dispatcher runs a dispatch tick
type Dispatcher interface {
	Tick(ctx context.Context) (*dispatch.Summary, error)
}

// Sweeper runs the credential health sweep
type Sweeper interface {
	SweepHealth(ctx context.Context) ([]int64, error)
}

// Templates stores message templates
type Templates interface {
	Save(ctx context.Context, t *models.Template) error
	GetByID(ctx context.Context, id string) (*models.Template, error)
	List(ctx context.Context) ([]models.Template, error)
}

// Authenticator resolves operator bearer tokens
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.Operator, error)
}

// Throttle reports recipient-domain counters
type Throttle interface {
	GetStats(ctx context.Context, level ratelimit.Level, key string) (*ratelimit.Stats, error)
	LimitFor(domain string) *ratelimit.LimitConfig
}

// Schedule lists scheduled jobs
type Schedule interface {
	Jobs() []scheduler.JobInfo
}

// Deps are the services behind the API. Throttle, Schedule, Collector,
// Sandbox, DNS and DKIMRecords are optional.
type Deps struct {
	Credentials Credentials
	Reviews     Reviews
	Ledger      Ledger
	Jobs        Jobs
	Dispatcher  Dispatcher
	Sweeper     Sweeper
	Templates   Templates
	Renderer    *template.Engine
	Operators   Authenticator
	Reports     *report.Builder
	Throttle    Throttle
	Schedule    Schedule
	Collector   *metrics.Collector
	Sandbox     Sandbox
	DNS         DNSChecker
	DKIMRecords DKIMRecords
	Now         func() time.Time
	Version     string
}

// Server is the admin HTTP API server
type Server struct {
	Deps
	router     *chi.Mux
	httpServer *http.Server
	config     *config.APIConfig
	filter     *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Renderer == nil {
		deps.Renderer = template.NewEngine()
	}

	s := &Server{
		Deps:      deps,
		router:    chi.NewRouter(),
		config:    cfg,
		filter:    ipfilter.New(cfg.AllowedIPs, logger, ipfilter.WithTrustedProxies(cfg.TrustedProxies)),
		logger:    logger,
		startTime: time.Now(),
	}

	if s.filter.Enabled() {
		logger.Info("API IP filtering enabled", "allowed_networks", s.filter.Count())
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.filter.HTTPMiddleware)
	s.router.Use(metrics.HTTPMiddleware(s.Collector))
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/stats", s.handleStats)

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", s.handleCredentialsList)
			r.Post("/", s.handleCredentialsCreate)
			r.Post("/sweep", s.handleSweep)
			r.Get("/{id}", s.handleCredentialsGet)
			r.Patch("/{id}", s.handleCredentialsUpdate)
			r.Post("/{id}/enable", s.handleCredentialsEnable)
			r.Post("/{id}/disable", s.handleCredentialsDisable)
			r.Get("/{id}/dns", s.handleCredentialsDNS)
		})

		r.Route("/reviews", func(r chi.Router) {
			r.Get("/", s.handleReviewsList)
			r.Post("/approve", s.handleReviewsBulkApprove)
			r.Post("/reject", s.handleReviewsBulkReject)
			r.Get("/{id}", s.handleReviewsGet)
			r.Post("/{id}/approve", s.handleReviewsApprove)
			r.Post("/{id}/reject", s.handleReviewsReject)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.handleTemplatesList)
			r.Post("/", s.handleTemplatesCreate)
			r.Get("/{id}", s.handleTemplatesGet)
			r.Put("/{id}", s.handleTemplatesUpdate)
			r.Post("/{id}/preview", s.handleTemplatesPreview)
		})

		r.Post("/dispatch/tick", s.handleDispatchTick)
		r.Get("/schedule", s.handleSchedule)
		r.Get("/throttle/{domain}", s.handleThrottle)

		r.Get("/ledger", s.handleLedgerList)
		r.Get("/ledger/{id}", s.handleLedgerGet)
		r.Post("/ledger/{id}/delivered", s.handleLedgerDelivered)

		r.Get("/queue", s.handleQueue)
		r.Get("/queue/{id}", s.handleQueueGet)

		r.Get("/dlq", s.handleDLQ)
		r.Get("/dlq/{id}", s.handleDLQGet)
		r.Post("/dlq/{id}/retry", s.handleDLQRetry)
		r.Delete("/dlq/{id}", s.handleDLQDelete)

		r.Get("/sandbox", s.handleSandboxList)
		r.Get("/sandbox/{id}/raw", s.handleSandboxRaw)
	})
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

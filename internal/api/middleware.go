package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/outreach/internal/models"
)

type ctxKey int

const principalKey ctxKey = iota

// Principal is the authenticated caller. Operator is nil for the shared
// API key and for anonymous access.
type Principal struct {
	Operator *models.Operator
	APIKey   bool
}

// ReviewerID returns the identity recorded on review decisions
func (p *Principal) ReviewerID() string {
	switch {
	case p == nil:
		return "anonymous"
	case p.Operator != nil:
		return p.Operator.ID
	case p.APIKey:
		return "api-key"
	default:
		return "anonymous"
	}
}

func principalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware accepts the configured API key or an operator token. With
// no API key configured, requests without a token pass as anonymous.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.Header.Get("X-API-Key")
		}
		token = strings.TrimPrefix(token, "Bearer ")

		principal, err := s.authenticate(r.Context(), token)
		if err != nil {
			s.logger.Error("failed to authenticate request", "error", err)
			s.sendError(w, http.StatusInternalServerError, "Authentication failed")
			return
		}
		if principal == nil {
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			s.sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
	})
}

func (s *Server) authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		if s.config.APIKey == "" {
			return &Principal{}, nil
		}
		return nil, nil
	}

	if s.config.APIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.config.APIKey)) == 1 {
		return &Principal{APIKey: true}, nil
	}

	if s.Operators == nil {
		return nil, nil
	}
	op, err := s.Operators.Authenticate(ctx, token)
	if err != nil || op == nil {
		return nil, err
	}
	return &Principal{Operator: op}, nil
}

package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/r-core/internal/core/apierrors"
	"github.com/haasonsaas/r-core/internal/core/audit"
	"github.com/haasonsaas/r-core/internal/core/auth"
	"github.com/haasonsaas/r-core/internal/core/ratelimit"
)

type requestIDKey struct{}

// RequestIDFromContext returns the request id assigned by the middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusRecorder captures the status a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards streaming flushes to the underlying writer.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// openPaths never require a credential.
var openPaths = map[string]bool{
	"/":              true,
	"/health":        true,
	"/metrics":       true,
	"/v1/auth/login": true,
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPaths[r.URL.Path] || s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}

		cred := auth.ExtractCredential(r)
		identity, err := s.auth.Authenticate(cred)
		if err != nil {
			if s.audit != nil {
				ce := apierrors.FromError(err)
				s.audit.Log(r.Context(), audit.Event{
					Action:       audit.ActionAuthFailed,
					Severity:     audit.SeverityWarning,
					ClientIP:     clientIP(r),
					RequestID:    RequestIDFromContext(r.Context()),
					Method:       r.Method,
					Path:         r.URL.Path,
					Success:      false,
					ErrorMessage: ce.Message,
				})
			}
			writeError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || ratelimit.ExemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		clientID := s.clientIDFor(r)
		cost := ratelimit.CostFor(r.Method, r.URL.Path)
		decision := s.limiter.Allow(clientID, cost.Cost, cost.Heavy)
		if s.metrics != nil {
			outcome := "allowed"
			if !decision.Allowed {
				outcome = "rejected"
			}
			tier := ""
			if s.cfg != nil {
				tier = s.cfg.RateLimit.Tier
			}
			s.metrics.IncRateLimitDecision(tier, outcome)
			if decision.Limit > 0 {
				s.metrics.SetBucketFill(clientID, float64(decision.Remaining)/float64(decision.Limit))
			}
		}
		if !decision.Allowed {
			if s.audit != nil {
				s.audit.Log(r.Context(), audit.Event{
					Action:    audit.ActionRateLimitExceeded,
					Severity:  audit.SeverityWarning,
					ClientIP:  clientIP(r),
					RequestID: RequestIDFromContext(r.Context()),
					Method:    r.Method,
					Path:      r.URL.Path,
					Success:   false,
					Details:   map[string]any{"client_id": clientID, "cost": cost.Cost},
				})
			}
			writeError(w, &apierrors.CoreError{
				Kind:              apierrors.KindRateLimited,
				Message:           "rate limit exceeded",
				RetryAfterSeconds: decision.RetryAfter.Seconds(),
			})
			return
		}

		decision.ApplyHeaders(w.Header())
		next.ServeHTTP(w, r)
	})
}

// auditedActions maps endpoints to the action recorded on completion.
var auditedActions = map[string]audit.Action{
	"POST /v1/chat":        audit.ActionChatRequest,
	"POST /v1/skills/call": audit.ActionSkillCalled,
}

func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action, ok := auditedActions[r.Method+" "+r.URL.Path]
		if !ok || s.audit == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		e := audit.Event{
			Action:     action,
			ClientIP:   clientIP(r),
			RequestID:  RequestIDFromContext(r.Context()),
			Method:     r.Method,
			Path:       r.URL.Path,
			Success:    rec.status < 400,
			DurationMs: float64(time.Since(start).Milliseconds()),
		}
		if id, ok := auth.IdentityFromContext(r.Context()); ok {
			e.Username = id.Username
			e.AuthType = string(id.AuthType)
			if id.User != nil {
				e.UserID = id.User.UserID
			}
		}
		if !e.Success {
			e.Severity = audit.SeverityWarning
		}
		s.audit.Log(r.Context(), e)
	})
}

// clientIDFor derives the stable rate-limit key for a request.
func (s *Server) clientIDFor(r *http.Request) string {
	var apiKeyPrefix, jwtPrefix string
	if id, ok := auth.IdentityFromContext(r.Context()); ok && id.KeyID != "" {
		apiKeyPrefix = id.KeyID
	}
	cred := auth.ExtractCredential(r)
	if apiKeyPrefix == "" && cred.APIKey != "" {
		apiKeyPrefix = cred.APIKey
	}
	if cred.BearerToken != "" {
		jwtPrefix = cred.BearerToken
	}
	return ratelimit.ClientID(apiKeyPrefix, jwtPrefix, r.Header.Get("X-Forwarded-For"), clientIP(r))
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"codegate/internal/audit"
	"codegate/internal/monitor"
	"codegate/internal/ratelimit"
	"codegate/internal/token"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyPrincipal contextKey = "principal"
	contextKeyAuditNote contextKey = "audit_note"
)

// auditNote holds the single audit event describing a request's terminal
// outcome. The first layer to note wins; later layers describing the same
// rejection do not double the trail.
type auditNote struct {
	mu sync.Mutex
	ev *audit.Event
}

func (n *auditNote) set(e audit.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ev == nil {
		n.ev = &e
	}
}

func (n *auditNote) take() *audit.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	ev := n.ev
	n.ev = nil
	return ev
}

// noteAudit stages an audit event for the current request. The observer
// middleware records it once the handler chain returns. Requests outside the
// observer (none in the served chain) drop the note.
func noteAudit(r *http.Request, e audit.Event) {
	n, ok := r.Context().Value(contextKeyAuditNote).(*auditNote)
	if !ok {
		return
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(r.Context())
	}
	n.set(e)
}

// AuditObserverMiddleware attaches a note slot to the request and records
// whatever the chain staged, so every rejection lands in the audit trail
// exactly once no matter which layer produced it. A panic is noted too, then
// re-raised for the recovery layer to turn into a 500.
func AuditObserverMiddleware(auditor *audit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			note := &auditNote{}
			r = r.WithContext(context.WithValue(r.Context(), contextKeyAuditNote, note))

			defer func() {
				rec := recover()
				if rec != nil {
					note.set(audit.Event{
						Category:  audit.CategoryRequestRejected,
						RequestID: RequestIDFromContext(r.Context()),
						Detail:    "handler panic on " + r.URL.Path,
						Severity:  audit.SeverityHigh,
					})
				}
				if ev := note.take(); ev != nil && auditor != nil {
					auditor.Record(*ev)
				}
				if rec != nil {
					panic(rec)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func PrincipalFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(contextKeyPrincipal).(string); ok {
		return p
	}
	return ""
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: 200}

		next.ServeHTTP(wrapped, r)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("remote_addr", r.RemoteAddr).
			Msg("request completed")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// SecurityHeadersMiddleware sets the hardening header set on every response,
// including error and rejection paths. The headers go into the header map
// before the inner handler runs, so whichever layer ends up writing the
// response carries them.
func SecurityHeadersMiddleware(hsts bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "0")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Cache-Control", "no-store")
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func MetricsMiddleware(metrics *monitor.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.RequestsInFlight.Inc()
			defer metrics.RequestsInFlight.Dec()

			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: 200}

			next.ServeHTTP(wrapped, r)

			metrics.RecordRequest(routeLabel(r.URL.Path), r.Method,
				strconv.Itoa(wrapped.status), time.Since(start).Seconds())
		})
	}
}

// routeLabel maps a request path to a low-cardinality metric label.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/auth/"):
		return "auth"
	case path == "/execute" || path == "/execute/stream":
		return "execute"
	case strings.HasPrefix(path, "/executions"):
		return "executions"
	case strings.HasPrefix(path, "/audit"):
		return "audit"
	case path == "/health" || path == "/metrics":
		return "ops"
	default:
		return "other"
	}
}

func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Str("request_id", RequestIDFromContext(r.Context())).
					Msg("panic recovered")
				http.Error(w, `{"error":"internal server error","code":"INTERNAL"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func MaxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// ContentTypeMiddleware rejects body-carrying requests that do not declare
// JSON. A missing declaration is rejected too when a body is present;
// bodyless requests such as logout pass.
func ContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			ct := r.Header.Get("Content-Type")
			hasBody := r.ContentLength != 0
			if (ct == "" && hasBody) || (ct != "" && !strings.HasPrefix(ct, "application/json")) {
				writeError(w, "unsupported content type", "UNSUPPORTED_MEDIA_TYPE", http.StatusUnsupportedMediaType, r)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// GlobalThrottleMiddleware is a coarse per-IP token bucket ahead of the
// per-class limiter, protecting the service itself from floods.
func GlobalThrottleMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var mu sync.Mutex
	visitors := make(map[string]*visitor)

	go func() {
		for {
			time.Sleep(time.Minute)
			mu.Lock()
			for ip, v := range visitors {
				if time.Since(v.lastSeen) > 5*time.Minute {
					delete(visitors, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Don't trust X-Forwarded-For; any client can set it to dodge
			// the throttle. Behind a reverse proxy, strip the port from
			// RemoteAddr instead.
			ip := clientIP(r)

			mu.Lock()
			v, ok := visitors[ip]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				noteAudit(r, audit.Event{
					Category: audit.CategoryRateLimited,
					Detail:   "global throttle: " + ip,
					Severity: audit.SeverityMedium,
				})
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(burst))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "1")
				writeError(w, "rate limit exceeded", "RATE_LIMITED", http.StatusTooManyRequests, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClassLimitMiddleware applies the fixed-window limit for one route class.
// The counting key is the authenticated principal when one is present, the
// client IP otherwise, so unauthenticated floods cannot burn a user's quota.
func ClassLimitMiddleware(limiter *ratelimit.Limiter, class ratelimit.Class, metrics *monitor.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := PrincipalFromContext(r.Context())
			if key == "" {
				key = clientIP(r)
			}

			d := limiter.Allow(key, class)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				if metrics != nil {
					metrics.RateLimitedTotal.WithLabelValues(string(class)).Inc()
				}
				noteAudit(r, audit.Event{
					Category:  audit.CategoryRateLimited,
					Principal: PrincipalFromContext(r.Context()),
					Detail:    "class " + string(class) + " limit for " + key,
					Severity:  audit.SeverityMedium,
				})
				retryAfter := int(d.RetryAfter.Seconds() + 0.5)
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, "rate limit exceeded", "RATE_LIMITED", http.StatusTooManyRequests, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware verifies the bearer token and stores the principal in the
// request context. Every failure mode (missing, malformed, expired, bad
// signature, revoked) gets the same 401 body so the response does not leak
// which check failed; the distinction lives in the audit trail.
func AuthMiddleware(tokens *token.Service, metrics *monitor.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				if metrics != nil {
					metrics.RecordAuthFailure("missing_token")
				}
				noteAudit(r, audit.Event{
					Category: audit.CategoryAuthFailure,
					Detail:   "missing bearer token",
					Severity: audit.SeverityMedium,
				})
				writeUnauthorized(w, r)
				return
			}

			principal, err := tokens.Verify(r.Context(), raw)
			if err != nil {
				reason := authFailureReason(err)
				if metrics != nil {
					metrics.RecordAuthFailure(reason)
				}
				noteAudit(r, audit.Event{
					Category: audit.CategoryAuthFailure,
					Detail:   "token rejected: " + reason,
					Severity: audit.SeverityMedium,
				})
				writeUnauthorized(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyPrincipal, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrRevoked):
		return "revoked"
	case errors.Is(err, token.ErrInvalidSignature):
		return "bad_signature"
	default:
		return "invalid"
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	writeError(w, "unauthorized", "AUTH_REQUIRED", http.StatusUnauthorized, r)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package api

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"oidcbridge/internal/auth"
	"oidcbridge/internal/observability"
)

const (
	requestIDHeader       = "X-Request-ID"
	maxRequestIDLength    = 64
	rateLimiterVisitorTTL = 10 * time.Minute
	rateLimiterSweepEvery = time.Minute
)

// Middleware represents an HTTP middleware that wraps a handler.
type Middleware func(http.Handler) http.Handler

// RequestIDMiddleware ensures every request carries a stable request ID.
func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get(requestIDHeader))
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx := observability.WithRequestID(r.Context(), requestID)
			w.Header().Set(requestIDHeader, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sanitizeRequestID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxRequestIDLength {
		return ""
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return ""
		}
	}
	return id
}

// LoggingMiddleware records structured request logs, wires Sentry tracing
// and recovers panics into a 500.
func LoggingMiddleware(logger observability.Logger) Middleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			hub := sentry.GetHubFromContext(ctx)
			if hub == nil {
				hub = sentry.CurrentHub().Clone()
				ctx = sentry.SetHubOnContext(ctx, hub)
				r = r.WithContext(ctx)
			}

			transaction := sentry.StartTransaction(
				ctx,
				fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				sentry.WithOpName("http.server"),
				sentry.ContinueFromRequest(r),
				sentry.WithTransactionSource(sentry.SourceURL),
			)
			defer transaction.Finish()
			r = r.WithContext(transaction.Context())
			ctx = r.Context()

			hub.Scope().SetRequest(r)

			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				transaction.Status = sentry.SpanStatusInternalError
				hub.RecoverWithContext(ctx, rec)
				logger.ErrorContext(ctx, "panic recovered",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				writeJSON(recorder, http.StatusInternalServerError, apiError{Error: "internal server error"})
			}()

			next.ServeHTTP(recorder, r)

			transaction.Status = sentry.HTTPtoSpanStatus(recorder.status)
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			switch {
			case recorder.status >= 500:
				logger.ErrorContext(ctx, "request completed", attrs...)
				hub.CaptureMessage(fmt.Sprintf("%s %s returned %d", r.Method, r.URL.Path, recorder.status))
			case recorder.status >= 400:
				logger.WarnContext(ctx, "request completed", attrs...)
			default:
				logger.InfoContext(ctx, "request completed", attrs...)
			}
		})
	}
}

// LoginRateLimitConfig configures per-IP login rate limiting.
type LoginRateLimitConfig struct {
	AttemptsPerMinute int
	Burst             int
	ProxyConfig       *TrustedProxyConfig
}

// Enabled reports whether rate limiting should be enforced.
func (c LoginRateLimitConfig) Enabled() bool {
	return c.AttemptsPerMinute > 0
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LoginRateLimitMiddleware limits password attempts per client IP with a
// token bucket. Rejected requests go to onLimited, which renders the
// response.
func LoginRateLimitMiddleware(cfg LoginRateLimitConfig, onLimited http.HandlerFunc) Middleware {
	if !cfg.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.AttemptsPerMinute
	}
	perSecond := rate.Limit(float64(cfg.AttemptsPerMinute) / 60.0)

	var (
		mu        sync.Mutex
		clients   = make(map[string]*ipLimiter)
		lastSweep time.Time
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			ip := clientKeyWithProxies(r, cfg.ProxyConfig)

			mu.Lock()
			entry, ok := clients[ip]
			if !ok {
				entry = &ipLimiter{limiter: rate.NewLimiter(perSecond, burst)}
				clients[ip] = entry
			}
			entry.lastSeen = now
			if now.Sub(lastSweep) > rateLimiterSweepEvery {
				for k, e := range clients {
					if now.Sub(e.lastSeen) > rateLimiterVisitorTTL {
						delete(clients, k)
					}
				}
				lastSweep = now
			}
			mu.Unlock()

			if !entry.limiter.AllowN(now, 1) {
				retryAfter := 60 / cfg.AttemptsPerMinute
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				onLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TrustedProxyConfig holds trusted proxy CIDRs for X-Forwarded-For handling.
type TrustedProxyConfig struct {
	CIDRs []netip.Prefix
}

// ParseTrustedProxies parses a comma-separated list of CIDRs.
func ParseTrustedProxies(raw string) (*TrustedProxyConfig, error) {
	if raw == "" {
		return &TrustedProxyConfig{}, nil
	}
	var cidrs []netip.Prefix
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", s, err)
		}
		cidrs = append(cidrs, prefix)
	}
	return &TrustedProxyConfig{CIDRs: cidrs}, nil
}

// IsTrusted checks if the remote address is from a trusted proxy.
func (tc *TrustedProxyConfig) IsTrusted(remoteAddr string) bool {
	if tc == nil || len(tc.CIDRs) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, cidr := range tc.CIDRs {
		if cidr.Contains(addr) {
			return true
		}
	}
	return false
}

// clientKeyWithProxies extracts the client IP, only trusting X-Forwarded-For from trusted proxies.
func clientKeyWithProxies(r *http.Request, proxies *TrustedProxyConfig) string {
	if proxies != nil && proxies.IsTrusted(r.RemoteAddr) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.SplitN(xff, ",", 2)
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SessionMiddleware loads the signed-in user from the session cookie into
// the request context. Requests without a valid session pass through
// anonymously.
func SessionMiddleware(sessions auth.SessionStore, users auth.UserStore, logger observability.Logger) Middleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ck, err := r.Cookie(sessionCookieName)
			if err != nil || ck.Value == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			session, err := sessions.Get(ctx, ck.Value)
			if err != nil || session == nil || !session.IsValid() {
				next.ServeHTTP(w, r)
				return
			}
			user, err := users.GetByID(ctx, session.UserID)
			if err != nil {
				logger.WarnContext(ctx, "load session user", "session_user_id", session.UserID, "error", err)
			}
			if user == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx = auth.ContextWithSession(ctx, session)
			ctx = auth.ContextWithUser(ctx, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

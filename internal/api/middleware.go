package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/ignite/leadengine/internal/pkg/httputil"
	"github.com/ignite/leadengine/internal/pkg/logger"
	"golang.org/x/time/rate"
)

// clientLimiter rate-limits per client address.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
	r       rate.Limit
	b       int
	idle    time.Duration
	now     func() time.Time
}

type clientEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(reqPerSec float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		clients: make(map[string]*clientEntry),
		r:       rate.Limit(reqPerSec),
		b:       burst,
		idle:    10 * time.Minute,
		now:     time.Now,
	}
}

func (cl *clientLimiter) allow(client string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	e, ok := cl.clients[client]
	if !ok {
		if len(cl.clients) >= 10000 {
			cl.prune(now)
		}
		e = &clientEntry{lim: rate.NewLimiter(cl.r, cl.b)}
		cl.clients[client] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

func (cl *clientLimiter) prune(now time.Time) {
	for k, e := range cl.clients {
		if now.Sub(e.lastSeen) > cl.idle {
			delete(cl.clients, k)
		}
	}
}

func (cl *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := r.RemoteAddr
		if host, _, err := net.SplitHostPort(client); err == nil {
			client = host
		}
		if !cl.allow(client) {
			w.Header().Set("Retry-After", "1")
			httputil.JSON(w, http.StatusTooManyRequests, httputil.ErrorResponse{Error: "rate limit exceeded", Code: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireToken rejects requests without the configured bearer token.
func requireToken(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				httputil.JSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized", Code: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs one line per request through the structured logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := []any{
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case ww.Status() >= 500:
			logger.Error("http request", fields...)
		case r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/health/"):
			logger.Debug("http request", fields...)
		default:
			logger.Info("http request", fields...)
		}
	})
}

// SPDX-License-Identifier: MIT

package api

import (
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/spotsense/spotsense/internal/auth"
	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/ratelimit"
)

// HeaderRequestID is echoed back on every response.
const HeaderRequestID = "X-Request-Id"

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parkd_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parkd_http_requests_in_flight",
		Help: "Current number of HTTP requests being served",
	})
)

// requestID assigns a correlation ID to every request.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, reqID)
		ctx := log.ContextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverer turns handler panics into a 500 instead of a dead process.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)

				logger := log.WithComponentFromContext(r.Context(), "panic-recovery")
				logger.Error().
					Str(log.FieldEvent, "panic.recovered").
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic_value", rec).
					Str("stack_trace", string(buf[:n])).
					Msg("panic recovered in HTTP handler")

				writeError(w, r, fault.New(fault.Internal, "internal", "an unexpected error occurred"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// httpMetrics records latency and in-flight gauges per route pattern, so
// path parameters do not explode the label cardinality.
func httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		httpRequestDuration.
			WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

// accessLog writes one structured line per request.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger := log.WithComponentFromContext(r.Context(), "http")
		logger.Info().
			Str(log.FieldEvent, "http.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("remote_addr", remoteIP(r)).
			Msg("request served")
	})
}

// authenticate resolves the principal from a bearer JWT or service key and
// stores it in the request context. Requests without valid credentials stop
// here.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		if raw == "" {
			writeError(w, r, fault.New(fault.Unauthenticated, "missing-credentials", "authorization required"))
			return
		}

		var p auth.Principal
		var err error
		if strings.HasPrefix(raw, "sk_") {
			p, err = s.auth.VerifyServiceKey(r.Context(), raw)
		} else {
			p, err = s.issuer.Verify(raw)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), p)
		ctx = log.ContextWithTenantID(ctx, p.TenantID.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authLimit guards the credential endpoints with the per-IP bucket.
func (s *Server) authLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.limiter.Allow(r.Context(), ratelimit.BucketAuthIP, remoteIP(r)); err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requirePrincipal extracts the principal and enforces the route guard.
// A nil ok return means the response is already written.
func requirePrincipal(w http.ResponseWriter, r *http.Request, scope string, minRole model.Role) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, fault.New(fault.Unauthenticated, "missing-credentials", "authorization required"))
		return auth.Principal{}, false
	}
	if !p.Allows(scope, minRole) {
		writeError(w, r, fault.New(fault.Forbidden, "insufficient-permissions", "operation not permitted"))
		return auth.Principal{}, false
	}
	return p, true
}

// remoteIP strips the port from RemoteAddr.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

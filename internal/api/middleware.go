package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/skillgate/gateway/internal/core"
	"github.com/skillgate/gateway/internal/metering"
)

type ctxKey int

const (
	ctxKeyCorrelationID ctxKey = iota
	ctxKeyCallerID
)

// CorrelationID returns the request's correlation identifier.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyCorrelationID).(string)
	return v
}

// CallerID returns the upstream-stamped caller identity.
func CallerID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyCallerID).(string)
	return v
}

// correlationMiddleware echoes an inbound X-Correlation-Id or generates
// one, and stamps it on the response so every reply carries it.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get("X-Correlation-Id")
		if cid == "" {
			cid = "corr-" + uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", cid)
		ctx := context.WithValue(r.Context(), ctxKeyCorrelationID, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identityMiddleware requires the upstream identity proxy's caller stamp.
// The gateway does no authentication of its own.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get("X-Caller-Id")
		if caller == "" {
			writeProblem(w, CorrelationID(r.Context()), core.ReasonBadRequest,
				"caller identity stamp missing", nil)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyCallerID, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// boundaryMiddleware strips the trusted metering headers from any request
// the edge marked as browser-originated. Only server-side callers may
// present an envelope.
func boundaryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Client-Boundary") == "browser" {
			for _, h := range metering.Headers {
				r.Header.Del(h)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// timeoutMiddleware applies the per-request wall-clock deadline.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// shedMiddleware sheds load with 503 when the number of in-flight
// requests passes the high-water mark or the optional overload hook
// reports saturation.
func (s *Server) shedMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		depth := s.inflight.Add(1)
		defer s.inflight.Add(-1)
		if s.metrics != nil {
			s.metrics.WriterQueueDepth.WithLabelValues("http").Set(float64(depth))
		}

		saturated := (s.highWater > 0 && int(depth) > s.highWater) ||
			(s.overloaded != nil && s.overloaded())
		if saturated {
			if s.metrics != nil {
				s.metrics.ShedTotal.Inc()
			}
			w.Header().Set("Retry-After", "1")
			writeProblemStatus(w, http.StatusServiceUnavailable, CorrelationID(r.Context()),
				core.ReasonInternal, "gateway overloaded, retry later", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware emits one structured line per request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"correlation_id", CorrelationID(r.Context()),
			"duration_ms", time.Since(started).Milliseconds())
	})
}

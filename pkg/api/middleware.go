package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/exaworker/pkg/metrics"
	"github.com/cuemby/exaworker/pkg/security"
	"github.com/cuemby/exaworker/pkg/types"
)

const authRealm = `Basic realm="exaworker"`

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// routeLabel keeps the metrics path label bounded
func routeLabel(path string) string {
	switch path {
	case "/status", "/wctrl", "/metrics":
		return path
	}
	return "other"
}

// instrument records request count and duration
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeLabel(r.URL.Path)
		timer.ObserveDurationVec(metrics.ControlRequestDuration, route)
		metrics.ControlRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("code", rec.code).
			Dur("duration", timer.Duration()).
			Msg("Control request")
	})
}

// guard rejects requests after ClearHandle, bad credentials and non-GET methods
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cleared() {
			writeJSON(w, http.StatusServiceUnavailable, Response{
				Status:   "Unavailable",
				Error:    types.ErrCodeListenerUnavailable,
				ErrorStr: "Rest Listener not available",
			})
			s.selfStop()
			return
		}

		if !security.CheckBasicAuth(r, s.config.User, s.config.Password) {
			if _, _, sent := r.BasicAuth(); sent {
				s.paceAuthFailure(r.Context())
			}
			w.Header().Set("WWW-Authenticate", authRealm)
			writeJSON(w, http.StatusUnauthorized, Response{
				Status:   "Failed",
				Error:    "401",
				ErrorStr: "authentication required",
			})
			return
		}

		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, Response{
				Status:   "Failed",
				Error:    "405",
				ErrorStr: "method not allowed",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// paceAuthFailure holds back the reply to wrong credentials once the failure
// rate is exceeded. The reply itself is always a 401 challenge.
func (s *Server) paceAuthFailure(ctx context.Context) {
	if s.authLimiter == nil {
		return
	}
	res := s.authLimiter.Reserve()
	delay := res.Delay()
	if delay <= 0 {
		return
	}
	if delay > s.config.AuthFailureMaxDelay {
		res.Cancel()
		delay = s.config.AuthFailureMaxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

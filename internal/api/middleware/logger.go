package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// routeIDs maps chi URL params onto the log and span keys they are reported under.
var routeIDs = []struct{ param, key string }{
	{"planId", "plan_id"},
	{"promptId", "prompt_id"},
	{"entityId", "entity_id"},
	{"capabilityId", "capability_id"},
	{"op", "op"},
	{"name", "provider"},
}

// routeInfo returns the matched route pattern and the resource ids it carried.
// Valid only after the router has dispatched the request.
func routeInfo(r *http.Request) (string, map[string]string) {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "", nil
	}
	ids := make(map[string]string)
	for _, id := range routeIDs {
		if v := rctx.URLParam(id.param); v != "" {
			ids[id.key] = v
		}
	}
	return rctx.RoutePattern(), ids
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Flush keeps SSE streaming working through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logger returns structured request logging middleware.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := newResponseWriter(w)

		next.ServeHTTP(rw, r)

		duration := time.Since(start)

		event := log.Info()
		if rw.statusCode >= 400 {
			event = log.Warn()
		}
		if rw.statusCode >= 500 {
			event = log.Error()
		}

		route, ids := routeInfo(r)
		if route != "" {
			event = event.Str("route", route)
		}
		for k, v := range ids {
			event = event.Str(k, v)
		}

		event.
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Int("bytes", rw.bytes).
			Dur("duration", duration).
			Str("remote", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("request")
	})
}

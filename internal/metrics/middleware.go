package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// unknownRoute labels requests chi did not match to a route.
const unknownRoute = "unknown"

type observeFunc func(method, route string, code int, duration time.Duration)

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return instrument(next, ObserveHTTPRequest)
}

func instrument(next http.Handler, observe observeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		observe(r.Method, routePattern(r), ww.status, time.Since(start))
	})
}

// routePattern reads the matched pattern after routing; it is only filled in
// once next has run.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.RoutePattern() == "" {
		return unknownRoute
	}
	return rctx.RoutePattern()
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

package middleware

import (
	"net/http"
	"time"

	"coffee-fleet/backend/global"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Logging logs one line per request. It wraps the mux, so r.Pattern and
// path values are filled in by the time the handler returns.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		ev := global.Logger.Info()
		if sw.status >= http.StatusInternalServerError {
			ev = global.Logger.Error()
		} else if sw.status >= http.StatusBadRequest {
			ev = global.Logger.Warn()
		}
		if id := r.PathValue("id"); id != "" {
			ev = ev.Str("id", id)
		}
		ev.Str("ip", r.RemoteAddr).Str("method", r.Method).Str("path", r.URL.Path).Str("route", r.Pattern).
			Int("status", sw.status).Dur("duration", time.Since(start)).Msg("request")
	})
}

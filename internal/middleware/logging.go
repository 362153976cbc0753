// Package middleware holds the HTTP middleware shared by every route.
//
// A middleware takes the next http.Handler and returns a handler that runs
// code around it. chi applies them in the order they are passed to Use, so
// anything mounted here sees the request after chi's RequestID and RealIP
// have annotated it.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// statusRecorder remembers what the handler sent. http.ResponseWriter has
// no getter for the status, so the log line has to capture it on the way out.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Logger returns middleware that writes one slog record per request with
// method, path, status, duration, bytes, remote address and request id.
//
// Mount it after chi's RequestID and RealIP so the id is in the context and
// RemoteAddr already holds the forwarded client address.
//
// Pixel fetches log at debug: they are the bulk of the traffic and the
// recorder already counts each one in Prometheus. 5xx answers log at error,
// everything else at info.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			switch {
			case rec.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case isPixelPath(r.URL.Path):
				level = slog.LevelDebug
			}

			logger.LogAttrs(r.Context(), level, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", rec.bytes),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}

func isPixelPath(path string) bool {
	return path == "/track" || strings.HasPrefix(path, "/track/")
}

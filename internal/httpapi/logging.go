package httpapi

import (
	"context"
	"expvar"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	httpRequests = expvar.NewMap("http_requests_by_class")
	httpFailures = expvar.NewInt("http_requests_failed_total")
)

type ctxRequestID struct{}

// recorder remembers what the handler wrote so the access log can report it.
type recorder struct {
	http.ResponseWriter
	code  int
	bytes int
}

func (rw *recorder) WriteHeader(code int) {
	if rw.code == 0 {
		rw.code = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(p []byte) (int, error) {
	if rw.code == 0 {
		rw.code = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(p)
	rw.bytes += n
	return n, err
}

func (rw *recorder) status() int {
	if rw.code == 0 {
		return http.StatusOK
	}
	return rw.code
}

// LoggingMiddleware tags every request with an X-Request-ID (the caller's, or
// a fresh uuid) and writes one access log line when the handler returns.
func LoggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxRequestID{}, id)))

		status := rec.status()
		httpRequests.Add(statusClass(status), 1)
		level := zapcore.InfoLevel
		switch {
		case status >= http.StatusInternalServerError:
			level = zapcore.ErrorLevel
			httpFailures.Add(1)
		case status >= http.StatusBadRequest:
			level = zapcore.WarnLevel
			httpFailures.Add(1)
		}
		if ce := logger.Check(level, "http request"); ce != nil {
			ce.Write(
				zap.String("request_id", id),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("location_id", locationFromPath(r.URL.Path)),
				zap.Int("status", status),
				zap.Int("bytes", rec.bytes),
				zap.Duration("elapsed", time.Since(began)),
			)
		}
	})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func requestIDFromRequest(r *http.Request) string {
	if id, ok := r.Context().Value(ctxRequestID{}).(string); ok {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

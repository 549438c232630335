package core

import (
	"fmt"
	"net/http"
	"time"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// LoggingMiddleware logs HTTP requests and responses with structured logging.
// Non-2xx responses and slow requests (>1s) are always logged; the rest only
// at debug level.
func LoggingMiddleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			logData := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": duration.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}
			if r.URL.RawQuery != "" {
				logData["query"] = r.URL.RawQuery
			}

			switch {
			case wrapped.statusCode >= 500:
				logger.Error("HTTP request error", logData)
			case wrapped.statusCode >= 400:
				logger.Warn("HTTP request client error", logData)
			case duration > time.Second:
				logger.Warn("HTTP request slow", logData)
			default:
				logger.Debug("HTTP request", logData)
			}
		})
	}
}

// RecoveryMiddleware converts handler panics into 500 responses so one bad
// request cannot take the registry down.
func RecoveryMiddleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("HTTP handler panicked", map[string]interface{}{
						"panic":  fmt.Sprintf("%v", rec),
						"method": r.Method,
						"path":   r.URL.Path,
					})
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"mcphost-go/internal/reqcontext"
)

// RequestIDMiddleware extracts or generates a request ID for each request.
// A valid client supplied X-Request-Id is kept; otherwise a UUID v4 is generated.
// The ID is set on the response before the handler runs.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := reqcontext.GetOrGenerateRequestID(r.Header.Get(reqcontext.RequestIDHeader))
		w.Header().Set(reqcontext.RequestIDHeader, requestID)

		ctx := reqcontext.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs every request at debug level
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Debug("HTTP API Request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", reqcontext.GetRequestID(r.Context())),
				zap.Int("status", ww.statusCode),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

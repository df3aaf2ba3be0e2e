package app

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/relaycore/relay/internal/logger"
	"github.com/relaycore/relay/internal/util"
)

// responseWriter wraps http.ResponseWriter to capture the status and byte
// count the request logging middleware reports after the handler returns.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

// Flush satisfies http.Flusher so a wrapped streaming bridge response still
// flushes chunk-by-chunk instead of buffering until the handler returns.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack satisfies http.Hijacker so the WebSocket upgrade path can still
// hijack the connection through a wrapped writer.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("app: underlying response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

// requestLogger assigns (or propagates) a correlation ID, logs the request's
// outcome at Info once the handler returns, and stamps the ID onto both the
// request context and the response for client-side correlation.
func requestLogger(log *logger.StyledLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = util.GenerateRequestID()
			}
			w.Header().Set("X-Request-Id", requestID)

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			reqLog := log.WithRequestID(requestID)
			reqLog.InfoWithDuration("request handled", time.Since(start),
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"response_bytes", wrapped.size,
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

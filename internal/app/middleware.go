package app

import (
	"fmt"
	"net/http"

	"github.com/relaycore/relay/internal/config"
	"github.com/relaycore/relay/internal/logger"
)

// RequestSizeLimiter rejects requests whose headers or body exceed the
// configured limits before they ever reach the Bridge, so an oversized
// request never ties up a pooled upstream connection.
type RequestSizeLimiter struct {
	maxBodySize   int64
	maxHeaderSize int64
	logger        *logger.StyledLogger
}

// NewRequestSizeLimiter returns a limiter for limits; either field may be
// zero or negative to disable that check.
func NewRequestSizeLimiter(limits config.ServerRequestLimits, log *logger.StyledLogger) *RequestSizeLimiter {
	return &RequestSizeLimiter{
		maxBodySize:   limits.MaxBodySize,
		maxHeaderSize: limits.MaxHeaderSize,
		logger:        log,
	}
}

func (rsl *RequestSizeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := rsl.validateHeaderSize(r); err != nil {
			if rsl.logger != nil {
				rsl.logger.Warn("request rejected: header size exceeded", "error", err, "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			}
			http.Error(w, "Request headers too large", http.StatusRequestHeaderFieldsTooLarge)
			return
		}

		if err := rsl.validateAndLimitBody(r); err != nil {
			if rsl.logger != nil {
				rsl.logger.Warn("request rejected: body size exceeded", "error", err, "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			}
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rsl *RequestSizeLimiter) validateHeaderSize(r *http.Request) error {
	if rsl.maxHeaderSize <= 0 {
		return nil
	}

	var totalSize int64
	for name, values := range r.Header {
		totalSize += int64(len(name))
		for _, value := range values {
			totalSize += int64(len(value))
		}
		// ": " and "\r\n" per header line
		totalSize += int64(len(values) * 4)
	}
	totalSize += int64(len(r.Method) + len(r.URL.RequestURI()) + len(r.Proto) + 4)

	if totalSize > rsl.maxHeaderSize {
		return fmt.Errorf("header size %d exceeds limit %d", totalSize, rsl.maxHeaderSize)
	}
	return nil
}

func (rsl *RequestSizeLimiter) validateAndLimitBody(r *http.Request) error {
	if rsl.maxBodySize <= 0 {
		return nil
	}

	if r.ContentLength > rsl.maxBodySize {
		return fmt.Errorf("content-length %d exceeds limit %d", r.ContentLength, rsl.maxBodySize)
	}

	r.Body = http.MaxBytesReader(nil, r.Body, rsl.maxBodySize)
	return nil
}

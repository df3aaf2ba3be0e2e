package proxycore

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultKeepAliveTimeout is used when the upstream advertises keep-alive but
// gives no explicit Keep-Alive: timeout= value.
const DefaultKeepAliveTimeout = 60 * time.Second

// MaxKeepAliveTimeout is the hard ceiling applied to an upstream-advertised
// Keep-Alive timeout before it is handed to the Origin Pool, regardless of
// what the upstream asked for.
const MaxKeepAliveTimeout = 60 * time.Second

// ParseKeepAliveTimeout reads the upstream's Keep-Alive header (e.g.
// "timeout=5, max=100") and returns the requested idle lifetime clamped to
// [0, MaxKeepAliveTimeout]. A missing or unparsable timeout= directive
// defaults to DefaultKeepAliveTimeout.
func ParseKeepAliveTimeout(header http.Header) time.Duration {
	ka := header.Get("Keep-Alive")
	if ka == "" {
		return DefaultKeepAliveTimeout
	}

	for _, part := range strings.Split(ka, ",") {
		part = strings.TrimSpace(part)
		name, value, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "timeout") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return DefaultKeepAliveTimeout
		}
		d := time.Duration(seconds) * time.Second
		if d < 0 {
			return 0
		}
		if d > MaxKeepAliveTimeout {
			return MaxKeepAliveTimeout
		}
		return d
	}

	return DefaultKeepAliveTimeout
}

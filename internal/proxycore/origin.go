// Package proxycore implements the reverse proxy's wire-level engine: origin
// keying, upstream connection management, response parsing, framing
// decisions, proxy-header rewriting, body rewriting and the per-request
// bridge that ties them together.
package proxycore

import (
	"fmt"
	"net/url"
	"strings"
)

// OriginKey is the canonical identity of an upstream origin: a lowercased
// scheme://host[:port] with the scheme's default port omitted. Two URLs that
// differ only in path, query, fragment, case or an explicit default port
// resolve to the same OriginKey.
type OriginKey string

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// CanonicalOrigin derives the OriginKey for rawURL. It is idempotent: feeding
// the string form of a previously derived OriginKey back in returns the same
// key.
func CanonicalOrigin(rawURL string) (OriginKey, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("proxycore: invalid origin url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("proxycore: origin url %q missing scheme or host", rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	if port != "" && port == defaultPorts[scheme] {
		port = ""
	}

	key := scheme + "://" + host
	if port != "" {
		key += ":" + port
	}
	return OriginKey(key), nil
}

// Scheme returns the scheme component of the origin key.
func (k OriginKey) Scheme() string {
	s, _, _ := strings.Cut(string(k), "://")
	return s
}

// HostPort returns the host[:port] component of the origin key, suitable for
// passing to net.Dial.
func (k OriginKey) HostPort() string {
	_, rest, ok := strings.Cut(string(k), "://")
	if !ok {
		return string(k)
	}
	if strings.Contains(rest, ":") {
		return rest
	}
	if port, ok := defaultPorts[k.Scheme()]; ok {
		return rest + ":" + port
	}
	return rest
}

// IsTLS reports whether the origin must be reached over TLS.
func (k OriginKey) IsTLS() bool {
	switch k.Scheme() {
	case "https", "wss":
		return true
	default:
		return false
	}
}

func (k OriginKey) String() string {
	return string(k)
}

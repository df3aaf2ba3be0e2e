package proxycore

import (
	"net/http"
	"strconv"
	"strings"
)

// FramingMode tells the Bridge how to read (and relay) the upstream response
// body.
type FramingMode int

const (
	FramingNoBody FramingMode = iota
	FramingContentLength
	FramingChunked
	FramingUntilClosed
	FramingWebsocket
)

func (m FramingMode) String() string {
	switch m {
	case FramingNoBody:
		return "no_body"
	case FramingContentLength:
		return "content_length"
	case FramingChunked:
		return "chunked"
	case FramingUntilClosed:
		return "until_closed"
	case FramingWebsocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// FramingDecision is the outcome of DecideFraming: the mode to read the body
// in, the declared length (only meaningful for FramingContentLength), and
// whether the underlying connection may be returned to the pool afterwards.
type FramingDecision struct {
	Mode     FramingMode
	Length   int64
	Reusable bool
}

// DecideFraming applies the framing rules in order: request method, protocol
// upgrade, no-body status codes, Content-Length, Transfer-Encoding, then the
// Connection header's keep-alive default. method is the original request's
// HTTP method (e.g. "HEAD"); protoMajor/protoMinor are the upstream
// response's declared HTTP version, used only to default an absent
// Connection header.
func DecideFraming(method string, status int, protoMajor, protoMinor int, header http.Header) FramingDecision {
	if method == http.MethodHead {
		return FramingDecision{Mode: FramingNoBody, Reusable: true}
	}

	if isWebsocketUpgrade(status, header) {
		return FramingDecision{Mode: FramingWebsocket, Reusable: false}
	}

	if status == http.StatusNoContent || status == http.StatusNotModified || (status >= 100 && status < 200) {
		return FramingDecision{Mode: FramingNoBody, Reusable: true}
	}

	if cl := header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err == nil && n >= 0 {
			return FramingDecision{Mode: FramingContentLength, Length: n, Reusable: true}
		}
	}

	if te := header.Get("Transfer-Encoding"); strings.EqualFold(lastToken(te), "chunked") {
		return FramingDecision{Mode: FramingChunked, Reusable: true}
	}

	if connectionIndicatesKeepAlive(protoMajor, protoMinor, header) {
		// The origin advertised keep-alive but gave us no way to frame the
		// body (no Content-Length, no chunked Transfer-Encoding). Treat it
		// as bodyless rather than hanging on a read that will never see
		// EOF, but don't trust the connection again.
		return FramingDecision{Mode: FramingNoBody, Reusable: false}
	}

	// No Transfer-Encoding and no (valid) Content-Length, and the origin
	// isn't claiming keep-alive: the body, if any, runs until the origin
	// closes the connection.
	return FramingDecision{Mode: FramingUntilClosed, Reusable: false}
}

// connectionIndicatesKeepAlive reports whether the response's Connection
// header (or, if absent, the HTTP version's default) signals keep-alive.
// HTTP/1.0 defaults to close; HTTP/1.1+ defaults to keep-alive.
func connectionIndicatesKeepAlive(protoMajor, protoMinor int, header http.Header) bool {
	conn := header.Get("Connection")
	if conn == "" {
		return !(protoMajor == 1 && protoMinor == 0)
	}
	for _, tok := range strings.Split(conn, ",") {
		tok = strings.TrimSpace(tok)
		if strings.EqualFold(tok, "close") {
			return false
		}
		if strings.EqualFold(tok, "keep-alive") {
			return true
		}
	}
	return !(protoMajor == 1 && protoMinor == 0)
}

func isWebsocketUpgrade(status int, header http.Header) bool {
	if status != http.StatusSwitchingProtocols {
		return false
	}
	return strings.EqualFold(header.Get("Upgrade"), "websocket")
}

func lastToken(commaList string) string {
	parts := strings.Split(commaList, ",")
	if len(parts) == 0 {
		return ""
	}
	return strings.TrimSpace(parts[len(parts)-1])
}

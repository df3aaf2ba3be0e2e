package proxycore

import (
	"bufio"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// ResponseLine is the parsed form of an upstream's HTTP/x.y CODE TEXT status
// line.
type ResponseLine struct {
	ProtoMajor int
	ProtoMinor int
	StatusCode int
	Reason     string
}

// ReadResponseLine reads and parses a single HTTP status line from r, failing
// with ErrKindUpstreamProtocolError on anything that isn't a well-formed
// "HTTP/x.y CODE reason" line. idleTimeout bounds how long the read may block
// waiting for the origin to start writing.
func ReadResponseLine(conn deadlineReader, r *bufio.Reader, idleTimeout time.Duration) (*ResponseLine, error) {
	if idleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}

	line, err := r.ReadString('\n')
	if err != nil {
		return nil, &BridgeError{State: "ReadResponseHead", Kind: classifyReadErr(err), Cause: err}
	}
	line = strings.TrimRight(line, "\r\n")

	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, &BridgeError{State: "ReadResponseHead", Kind: ErrKindUpstreamProtocolError,
			Cause: fmt.Errorf("malformed status line %q", line)}
	}

	major, minor, ok := parseHTTPVersion(proto)
	if !ok {
		return nil, &BridgeError{State: "ReadResponseHead", Kind: ErrKindUpstreamProtocolError,
			Cause: fmt.Errorf("unrecognised protocol %q", proto)}
	}

	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 599 {
		return nil, &BridgeError{State: "ReadResponseHead", Kind: ErrKindUpstreamProtocolError,
			Cause: fmt.Errorf("invalid status code %q", codeStr)}
	}

	return &ResponseLine{ProtoMajor: major, ProtoMinor: minor, StatusCode: code, Reason: reason}, nil
}

func parseHTTPVersion(proto string) (major, minor int, ok bool) {
	var vers string
	var found bool
	vers, found = strings.CutPrefix(proto, "HTTP/")
	if !found {
		return 0, 0, false
	}
	major64, minor64, ok := http.ParseHTTPVersion("HTTP/" + vers)
	if !ok {
		return 0, 0, false
	}
	return major64, minor64, true
}

// ReadHeaderSection reads CRLF-terminated header lines until the blank line
// that ends the header block, bounded by a single idleTimeout deadline set
// before the first line is read; the deadline is not extended as further
// lines arrive. It returns http.Header so callers can reuse net/http's header
// manipulation helpers.
func ReadHeaderSection(conn deadlineReader, r *bufio.Reader, idleTimeout time.Duration) (http.Header, error) {
	if idleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}

	tp := textproto.NewReader(r)
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, &BridgeError{State: "ReadResponseHead", Kind: classifyReadErr(err), Cause: err}
	}

	return http.Header(mimeHeader), nil
}

// deadlineReader is satisfied by net.Conn; split out so tests can supply a
// fake without pulling in a real socket.
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

func classifyReadErr(err error) ErrKind {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok && te.Timeout() {
		return ErrKindUpstreamConnectTimeout
	}
	return ErrKindUpstreamProtocolError
}

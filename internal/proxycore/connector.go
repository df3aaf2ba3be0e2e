package proxycore

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// ConnectOptions controls how a fresh upstream connection is established for
// an origin.
type ConnectOptions struct {
	AcceptAnyCert  bool
	ConnectTimeout time.Duration
	// SNIHost overrides the TLS ServerName sent during the handshake; when
	// empty, the origin's own host is used. It never changes the address
	// actually dialed.
	SNIHost string
	// MinTLSVersion is the lowest TLS version the handshake will accept
	// (tls.VersionTLS10..tls.VersionTLS13). Zero defaults to TLS 1.0, the
	// widest default floor, leaving narrowing to the operator.
	MinTLSVersion uint16
}

// Connector dials fresh TCP/TLS connections to an origin. It never reuses a
// connection itself - that is the Origin Pool's job - it only knows how to
// make a new one.
type Connector struct {
	Resolver *net.Resolver
}

// NewConnector returns a Connector using the system resolver.
func NewConnector() *Connector {
	return &Connector{Resolver: net.DefaultResolver}
}

// Connect resolves, dials and (for https/wss origins) TLS-handshakes a fresh
// connection to origin. The returned error is always a *ConnectError so
// callers can classify the failure kind without inspecting strings.
func (c *Connector) Connect(ctx context.Context, origin OriginKey, opts ConnectOptions) (net.Conn, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}

	conn, err := dialer.DialContext(dialCtx, "tcp", origin.HostPort())
	if err != nil {
		return nil, &ConnectError{Origin: origin, Kind: classifyDialError(ctx, err), Cause: err}
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	if !origin.IsTLS() {
		return conn, nil
	}

	host, _, _ := net.SplitHostPort(origin.HostPort())
	sni := opts.SNIHost
	if sni == "" {
		sni = host
	}

	minVersion := opts.MinTLSVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS10
	}

	tlsConfig := &tls.Config{
		MinVersion:         minVersion,
		ServerName:         sni,
		InsecureSkipVerify: opts.AcceptAnyCert,
		NextProtos:         []string{"http/1.1"},
		Renegotiation:      tls.RenegotiateNever,
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		conn.Close()
		return nil, &ConnectError{Origin: origin, Kind: ErrKindUpstreamTLSFailure, Cause: err}
	}

	return tlsConn, nil
}

func classifyDialError(ctx context.Context, err error) ErrKind {
	if ctx.Err() == context.Canceled {
		return ErrKindCancelled
	}
	// Dial failures that aren't outright cancellation - DNS errors, refused
	// connections, handshake timeouts - are all reported to the caller as a
	// gateway timeout; the distinction isn't actionable for a reverse proxy.
	return ErrKindUpstreamConnectTimeout
}

// isAlive performs a one-byte, short-deadline read to probe whether a pooled
// connection has been closed or gone stale by the remote peer since it was
// last released to the pool. It restores the connection's read deadline
// before returning.
func isAlive(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now().Add(1 * time.Millisecond)); err != nil {
		return false
	}
	defer conn.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	_, err := conn.Read(one)
	if err == nil {
		// Origin sent unsolicited bytes - treat as a protocol violation /
		// no longer reusable, rather than silently swallowing data.
		return false
	}
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

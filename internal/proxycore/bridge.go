package proxycore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/relaycore/relay/internal/util"
	"github.com/relaycore/relay/pkg/pool"
)

// copyBufferPool supplies the 8 KiB buffers used for streaming a response
// body from an origin connection to the client.
var copyBufferPool = pool.NewLitePool(func() []byte {
	return make([]byte, 8*1024)
})

// HeaderHook is called with a header immediately before it is written to the
// wire, letting a caller observe or mutate it. A returned error is logged and
// swallowed - it never fails the request.
type HeaderHook func(header http.Header) error

// BridgeOptions carries the per-request knobs the Bridge needs beyond the
// inbound *http.Request itself.
type BridgeOptions struct {
	AcceptAnyCert     bool
	ConnectTimeout    time.Duration
	IdleHeaderTimeout time.Duration
	LongReadTimeout   time.Duration
	Headers           HeaderPolicy
	TrustedCIDRs      []*net.IPNet
	TrustProxyHeaders bool
	Rewrite           RewritePipeline
	RequestID         string
	// Host overrides both the outbound Host: header and the TLS SNI server
	// name sent to the origin; it never changes the address dialed. Empty
	// means use the origin's own host for both.
	Host string
	// MinTLSVersion is the lowest TLS version accepted during the upstream
	// handshake (tls.VersionTLS10..tls.VersionTLS13). Zero defaults to
	// TLS 1.0.
	MinTLSVersion uint16
	// AllowGatewayTimeoutResponse lets the caller turn an upstream connect
	// failure into a 504 response; when false the failure is left to
	// propagate as a fatal error instead.
	AllowGatewayTimeoutResponse bool
	// AllowConnectionKeepalive permits a bridged connection to be pooled for
	// reuse once a response completes. It is further gated at runtime by the
	// Bridge's UnderHighLoad predicate: even when true, a server under high
	// load refuses to keep connections open.
	AllowConnectionKeepalive bool
	// IncludeServerTimingHeader adds a Server-Timing response header
	// recording the upstream round-trip duration.
	IncludeServerTimingHeader bool
	// BeforeRequestHeadersSent, when set, observes/mutates the outbound
	// request header just before it is written to the origin connection.
	BeforeRequestHeadersSent HeaderHook
	// BeforeResponseHeadersSent, when set, observes/mutates the response
	// header just before it is written back to the client.
	BeforeResponseHeadersSent HeaderHook
}

// Bridge carries a single proxied request from the front-end listener to an
// origin and back, through Analyze -> Connect -> SendRequest ->
// ReadResponseHead -> DecideFraming -> WriteResponse -> Stream/WebSocket ->
// Finalize.
type Bridge struct {
	Connector *Connector
	Pool      *OriginPool
	Metrics   *Metrics
	Events    *Events
	Logger    *slog.Logger

	// UnderHighLoad reports whether the server currently considers itself
	// under high load. Consulted by Finalize when deciding whether a
	// connection may be kept alive for reuse. Nil means never under load.
	UnderHighLoad func() bool

	lastRequestDetails atomic.Pointer[RequestSnapshot]
}

// NewBridge wires a Bridge from its collaborators.
func NewBridge(connector *Connector, originPool *OriginPool, metrics *Metrics, events *Events) *Bridge {
	return &Bridge{Connector: connector, Pool: originPool, Metrics: metrics, Events: events}
}

// roundTripResult is what Analyze..Finalize decided about a single bridged
// request: whether the connection may be pooled, for how long, and which
// kind of event Run should publish on success.
type roundTripResult struct {
	reusable   bool
	keepAlive  time.Duration
	websocket  bool
	statusCode int
}

// Run proxies r to origin and writes the result to w. It returns a non-nil
// error only when nothing could be written back to the client at all; once
// headersCommitted is true the Bridge has already started writing the
// response and any later failure is reported by truncating the body rather
// than returning an error, matching the "no retry after first byte written"
// rule.
func (b *Bridge) Run(ctx context.Context, w http.ResponseWriter, r *http.Request, origin OriginKey, opts BridgeOptions) error {
	start := time.Now()
	headersCommitted := false

	conn, fromPool, connectedAt, err := b.connect(ctx, origin, opts)
	if err != nil {
		b.finish(EventError, origin, opts.RequestID, 0, time.Since(start), err)
		return err
	}

	outcome := "success"
	defer func() {
		b.metrics().observeBridge(outcome, time.Since(start))
	}()

	result, werr := b.roundTrip(ctx, w, r, conn, origin, opts, &headersCommitted)
	if werr != nil {
		outcome = Classify(ctx, werr).String()
		b.Pool.Dispose(conn)
		b.finish(EventError, origin, opts.RequestID, 0, time.Since(start), werr)

		if !headersCommitted && fromPool {
			// The pooled connection may simply have gone stale between
			// Acquire and our first write; tell the caller to retry once
			// against a freshly dialed connection rather than surfacing a
			// spurious error for something the client never caused.
			b.metrics().recordStaleRetry()
			return ErrStalePool
		}
		if !headersCommitted {
			return werr
		}
		return nil
	}

	if result.reusable {
		b.Pool.Release(origin, conn, connectedAt, result.keepAlive)
	} else {
		b.Pool.Dispose(conn)
	}

	kind := EventSuccess
	if result.websocket {
		kind = EventWebsocketBridged
	}
	b.finish(kind, origin, opts.RequestID, result.statusCode, time.Since(start), nil)
	b.recordLastRequest(RequestSnapshot{
		Origin:     origin,
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: result.statusCode,
		Reusable:   result.reusable,
		Duration:   time.Since(start),
		At:         start,
	})
	return nil
}

func (b *Bridge) connect(ctx context.Context, origin OriginKey, opts BridgeOptions) (net.Conn, bool, time.Time, error) {
	if conn, connectedAt, ok := b.Pool.Acquire(origin); ok {
		b.metrics().recordPoolAcquire(true)
		return conn, true, connectedAt, nil
	}
	b.metrics().recordPoolAcquire(false)

	connectStart := time.Now()
	conn, err := b.Connector.Connect(ctx, origin, ConnectOptions{
		AcceptAnyCert:  opts.AcceptAnyCert,
		ConnectTimeout: opts.ConnectTimeout,
		SNIHost:        opts.Host,
		MinTLSVersion:  opts.MinTLSVersion,
	})
	b.metrics().observeConnect(time.Since(connectStart))
	if err != nil {
		return nil, false, time.Time{}, err
	}
	return conn, false, connectStart, nil
}

// underHighLoad consults the Bridge's high-load predicate, treating a nil
// hook as "never under load".
func (b *Bridge) underHighLoad() bool {
	return b.UnderHighLoad != nil && b.UnderHighLoad()
}

// roundTrip performs Analyze -> SendRequest -> ReadResponseHead ->
// DecideFraming -> WriteResponse -> Stream/WebSocket -> Finalize.
func (b *Bridge) roundTrip(ctx context.Context, w http.ResponseWriter, r *http.Request, conn net.Conn, origin OriginKey, opts BridgeOptions, headersCommitted *bool) (roundTripResult, error) {
	outbound := r.Header.Clone()
	clientWantsUpgrade := isUpgradeRequest(r.Header)
	StripHopByHopHeaders(outbound)
	applyTrueHeaders(outbound, r, origin, opts)
	applyOutboundConnection(outbound, clientWantsUpgrade, opts, b.underHighLoad())

	if opts.BeforeRequestHeadersSent != nil {
		if err := opts.BeforeRequestHeadersSent(outbound); err != nil {
			b.logHookError("BeforeRequestHeadersSent", err)
		}
	}

	upstreamStart := time.Now()
	if err := writeRequest(conn, r, outbound); err != nil {
		return roundTripResult{}, &BridgeError{Origin: origin, State: "SendRequest", Kind: Classify(ctx, err), Cause: err}
	}

	reader := bufio.NewReader(conn)
	respLine, err := ReadResponseLine(conn, reader, opts.IdleHeaderTimeout)
	if err != nil {
		return roundTripResult{}, err
	}
	respHeader, err := ReadHeaderSection(conn, reader, opts.IdleHeaderTimeout)
	if err != nil {
		return roundTripResult{}, err
	}
	upstreamDuration := time.Since(upstreamStart)

	framing := DecideFraming(r.Method, respLine.StatusCode, respLine.ProtoMajor, respLine.ProtoMinor, respHeader)

	if framing.Mode == FramingWebsocket {
		if err := b.bridgeWebsocket(w, conn, reader, respLine, respHeader, opts); err != nil {
			return roundTripResult{}, err
		}
		*headersCommitted = true
		return roundTripResult{reusable: false, websocket: true, statusCode: respLine.StatusCode}, nil
	}

	reusable, keepAlive := b.finalizeReusability(framing, respLine, respHeader, opts)

	rewriteLocation(respHeader, origin, r)
	StripHopByHopHeaders(respHeader)
	if opts.IncludeServerTimingHeader {
		respHeader.Set("Server-Timing", fmt.Sprintf("upstream;dur=%.1f", float64(upstreamDuration.Microseconds())/1000.0))
	}
	if opts.BeforeResponseHeadersSent != nil {
		if err := opts.BeforeResponseHeadersSent(respHeader); err != nil {
			b.logHookError("BeforeResponseHeadersSent", err)
		}
	}

	// Only plausibly-text, non-event-stream bodies are rewritten, and a
	// fixed-length body over MaxRewriteBodySize streams through untouched.
	contentType := respHeader.Get("Content-Type")
	mediaType, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	mediaType = strings.TrimSpace(mediaType)
	plausiblyText := mediaType != "text/event-stream" && (charsetFromContentType(contentType) != "" ||
		strings.HasPrefix(mediaType, "text/") || mediaType == "application/json" || mediaType == "application/xml")
	overCap := framing.Mode == FramingContentLength && framing.Length > MaxRewriteBodySize
	if framing.Mode != FramingNoBody && !opts.Rewrite.Empty() && plausiblyText && !overCap {
		rewritten, err := b.rewriteBody(reader, framing, respHeader, opts.Rewrite, origin, opts.RequestID)
		if err != nil {
			return roundTripResult{}, &BridgeError{Origin: origin, State: "RewriteBody", Kind: Classify(ctx, err), Cause: err}
		}
		copyHeaderInto(w.Header(), respHeader)
		w.WriteHeader(respLine.StatusCode)
		*headersCommitted = true
		if _, err := w.Write(rewritten); err != nil {
			return roundTripResult{}, &BridgeError{Origin: origin, State: "WriteResponse", Kind: Classify(ctx, err), Cause: err}
		}
		return roundTripResult{reusable: reusable, keepAlive: keepAlive, statusCode: respLine.StatusCode}, nil
	}

	copyHeaderInto(w.Header(), respHeader)
	w.WriteHeader(respLine.StatusCode)
	*headersCommitted = true

	if framing.Mode == FramingNoBody {
		return roundTripResult{reusable: reusable, keepAlive: keepAlive, statusCode: respLine.StatusCode}, nil
	}

	if err := b.streamBody(w, reader, framing, opts); err != nil {
		return roundTripResult{}, err
	}
	return roundTripResult{reusable: reusable, keepAlive: keepAlive, statusCode: respLine.StatusCode}, nil
}

// finalizeReusability is the Finalize step's connection-reuse decision: the
// framing rules' own verdict, the upstream's Connection header, the caller's
// AllowConnectionKeepalive setting and the server's current load must all
// agree before a connection is handed back to the pool. When reusable, the
// upstream's own Keep-Alive: timeout= header (clamped to
// [0, MaxKeepAliveTimeout]) becomes the connection's idle lifetime.
func (b *Bridge) finalizeReusability(framing FramingDecision, respLine ResponseLine, respHeader http.Header, opts BridgeOptions) (bool, time.Duration) {
	if !framing.Reusable || !opts.AllowConnectionKeepalive || b.underHighLoad() {
		return false, 0
	}
	if !connectionIndicatesKeepAlive(respLine.ProtoMajor, respLine.ProtoMinor, respHeader) {
		return false, 0
	}
	return true, ParseKeepAliveTimeout(respHeader)
}

func (b *Bridge) logHookError(hook string, err error) {
	if b.Logger == nil {
		return
	}
	b.Logger.Error("proxycore: observer hook failed", "hook", hook, "error", err)
}

func copyHeaderInto(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// rewriteBody buffers the full response body (bounded by
// MaxRewriteBodySize), runs it through the rewrite pipeline and updates
// respHeader's Content-Length/Transfer-Encoding to match the rewritten size.
func (b *Bridge) rewriteBody(reader *bufio.Reader, framing FramingDecision, respHeader http.Header, pipeline RewritePipeline, origin OriginKey, requestID string) ([]byte, error) {
	var body io.Reader
	switch framing.Mode {
	case FramingContentLength:
		body = io.LimitReader(reader, framing.Length)
	case FramingChunked:
		body = httputil.NewChunkedReader(reader)
	default:
		body = reader
	}

	raw, err := io.ReadAll(io.LimitReader(body, MaxRewriteBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > MaxRewriteBodySize {
		return nil, ErrBodyTooLarge
	}

	rewritten, err := RewriteBody(raw, respHeader.Get("Content-Encoding"), respHeader.Get("Content-Type"), pipeline)
	if err != nil {
		return nil, err
	}

	respHeader.Del("Transfer-Encoding")
	respHeader.Set("Content-Length", strconv.Itoa(len(rewritten)))
	b.metrics().recordBodyRewrite()
	b.publishBodyRewritten(origin, requestID)
	return rewritten, nil
}

func (b *Bridge) publishBodyRewritten(origin OriginKey, requestID string) {
	if b.Events == nil {
		return
	}
	b.Events.PublishAsync(Event{Kind: EventBodyRewritten, Origin: origin, RequestID: requestID})
}

func applyTrueHeaders(outbound http.Header, r *http.Request, origin OriginKey, opts BridgeOptions) {
	remoteIP := net.ParseIP(stripPort(r.RemoteAddr))
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}

	tv := TrueValues{RemoteAddr: util.GetClientIP(r, opts.TrustProxyHeaders, opts.TrustedCIDRs), Host: r.Host, Proto: proto}
	ApplyHeaderPolicy(outbound, opts.Headers, opts.TrustedCIDRs, remoteIP, tv)

	if opts.Host != "" {
		outbound.Set("Host", opts.Host)
	} else {
		outbound.Set("Host", origin.HostPort())
	}
}

// applyOutboundConnection sets the outbound Connection header per the
// Analyze step: "Upgrade" if the client is upgrading, else "keep-alive" iff
// AllowConnectionKeepalive and the server isn't under high load, else
// "close". The Upgrade header itself is written by writeRequest.
func applyOutboundConnection(outbound http.Header, clientWantsUpgrade bool, opts BridgeOptions, underHighLoad bool) {
	if clientWantsUpgrade {
		outbound.Set("Connection", "Upgrade")
		return
	}
	if opts.AllowConnectionKeepalive && !underHighLoad {
		outbound.Set("Connection", "keep-alive")
	} else {
		outbound.Set("Connection", "close")
	}
}

// isUpgradeRequest reports whether the client's own request is asking for a
// protocol upgrade, read before StripHopByHopHeaders removes Connection and
// Upgrade from the clone headed to the origin.
func isUpgradeRequest(header http.Header) bool {
	if header.Get("Upgrade") == "" {
		return false
	}
	for _, tok := range strings.Split(header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func writeRequest(conn net.Conn, r *http.Request, header http.Header) error {
	var b strings.Builder
	requestURI := r.URL.RequestURI()
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", r.Method, requestURI)
	if isUpgradeRequest(r.Header) {
		// Preserve whatever Upgrade token the client asked for: the outbound
		// header had Upgrade stripped as hop-by-hop, and Connection was
		// already normalised to "Upgrade" by applyOutboundConnection.
		if u := r.Header.Get("Upgrade"); u != "" {
			fmt.Fprintf(&b, "Upgrade: %s\r\n", u)
		}
	}
	// A client body of unknown length (sent chunked) is forwarded chunked.
	chunked := r.Body != nil && r.Body != http.NoBody && r.ContentLength < 0
	if chunked {
		b.WriteString("Transfer-Encoding: chunked\r\n")
	}
	header.Write(&b)
	b.WriteString("\r\n")

	if _, err := io.WriteString(conn, b.String()); err != nil {
		return err
	}
	if chunked {
		cw := httputil.NewChunkedWriter(conn)
		if _, err := io.Copy(cw, r.Body); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
		_, err := io.WriteString(conn, "\r\n")
		return err
	}
	if r.Body != nil {
		if _, err := io.Copy(conn, r.Body); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) streamBody(w http.ResponseWriter, reader *bufio.Reader, framing FramingDecision, opts BridgeOptions) error {
	flusher, _ := w.(http.Flusher)

	var body io.Reader
	switch framing.Mode {
	case FramingContentLength:
		body = io.LimitReader(reader, framing.Length)
	case FramingChunked:
		body = httputil.NewChunkedReader(reader)
	default: // FramingUntilClosed
		body = reader
	}

	buf := copyBufferPool.Get()
	defer copyBufferPool.Put(buf)

	written, err := io.CopyBuffer(flushWriter{w, flusher}, body, buf)
	b.metrics().BytesStreamedAdd(written)
	if err != nil && err != io.EOF {
		return &BridgeError{State: "Stream", Kind: Classify(context.Background(), err), Cause: err}
	}
	return nil
}

type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

// rewriteLocation rewrites an absolute Location header whose host is the
// origin's host so it points at the front-end host the client actually
// connected to, with the scheme the client used. Relative Location values
// are left untouched.
func rewriteLocation(header http.Header, origin OriginKey, r *http.Request) {
	loc := header.Get("Location")
	if loc == "" {
		return
	}
	u, err := url.Parse(loc)
	if err != nil || !u.IsAbs() {
		return
	}
	originHost, _, err := net.SplitHostPort(origin.HostPort())
	if err != nil || !strings.EqualFold(u.Hostname(), originHost) {
		return
	}
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	u.Host = r.Host
	header.Set("Location", u.String())
}

func (b *Bridge) metrics() *Metrics {
	return b.Metrics
}

func (b *Bridge) finish(kind EventKind, origin OriginKey, requestID string, status int, d time.Duration, err error) {
	if b.Events == nil {
		return
	}
	b.Events.PublishAsync(Event{Kind: kind, Origin: origin, RequestID: requestID, StatusCode: status, Duration: d, Err: err})
	if err != nil {
		b.metrics().recordError(Classify(context.Background(), err))
	}
}

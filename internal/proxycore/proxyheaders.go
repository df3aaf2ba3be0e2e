package proxycore

import (
	"net"
	"net/http"
	"strings"

	"github.com/relaycore/relay/internal/util"
)

// HeaderBehaviour names one of the seven ways a proxy header may be handled
// when forwarding a request to the origin.
type HeaderBehaviour string

const (
	// Drop never sets the header, removing any inbound value.
	Drop HeaderBehaviour = "drop"
	// Create always sets the header from the true connection values,
	// discarding anything the client sent.
	Create HeaderBehaviour = "create"
	// CombineUnsafe appends the true value onto whatever the client sent,
	// regardless of whether the client is trusted.
	CombineUnsafe HeaderBehaviour = "combine_unsafe"
	// CombineIfTrustedElseCreate appends onto the client's value only when
	// the immediate peer is trusted; otherwise behaves like Create.
	CombineIfTrustedElseCreate HeaderBehaviour = "combine_if_trusted_else_create"
	// PassthroughUnsafe forwards the client's value unmodified, regardless
	// of trust.
	PassthroughUnsafe HeaderBehaviour = "passthrough_unsafe"
	// PassthroughIfTrustedElseDrop forwards the client's value only when
	// trusted; otherwise drops the header entirely.
	PassthroughIfTrustedElseDrop HeaderBehaviour = "passthrough_if_trusted_else_drop"
	// PassthroughIfTrustedElseCreate forwards the client's value only when
	// trusted; otherwise behaves like Create.
	PassthroughIfTrustedElseCreate HeaderBehaviour = "passthrough_if_trusted_else_create"
)

// HeaderPolicy selects the behaviour applied to each of the well-known proxy
// headers.
type HeaderPolicy struct {
	ForwardedFor   HeaderBehaviour
	ForwardedHost  HeaderBehaviour
	ForwardedProto HeaderBehaviour
	RealIP         HeaderBehaviour
}

// TrueValues are the locally derived values used whenever a behaviour
// decides the client-supplied header can't be trusted.
type TrueValues struct {
	RemoteAddr string // client IP, no port: the socket peer, or the IP a trusted proxy reported when proxy headers are trusted
	Host       string // Host the client addressed the proxy as
	Proto      string // "http" or "https", as seen by the front-end listener
}

// ApplyHeaderPolicy rewrites req's proxy headers in place per policy,
// gating every trust-sensitive behaviour on whether remoteIP falls inside
// trustedCIDRs. The trust decision is made once per header, before any value
// is read or combined, so an untrusted peer can never smuggle a value through
// by pre-populating the header a trusted-path behaviour would otherwise
// extend.
func ApplyHeaderPolicy(header http.Header, policy HeaderPolicy, trustedCIDRs []*net.IPNet, remoteIP net.IP, tv TrueValues) {
	trusted := remoteIP != nil && util.IsIPInTrustedCIDRs(remoteIP, trustedCIDRs)

	applyOne(header, "X-Forwarded-For", policy.ForwardedFor, trusted, tv.RemoteAddr, combineCSV)
	applyOne(header, "X-Forwarded-Host", policy.ForwardedHost, trusted, tv.Host, overwrite)
	applyOne(header, "X-Forwarded-Proto", policy.ForwardedProto, trusted, tv.Proto, overwrite)
	applyOne(header, "X-Real-Ip", policy.RealIP, trusted, tv.RemoteAddr, overwrite)
}

type combineFunc func(existing, trueValue string) string

func applyOne(header http.Header, name string, behaviour HeaderBehaviour, trusted bool, trueValue string, combine combineFunc) {
	existing := header.Get(name)

	switch behaviour {
	case Drop:
		header.Del(name)
	case Create:
		header.Set(name, trueValue)
	case CombineUnsafe:
		header.Set(name, combine(existing, trueValue))
	case CombineIfTrustedElseCreate:
		if trusted {
			header.Set(name, combine(existing, trueValue))
		} else {
			header.Set(name, trueValue)
		}
	case PassthroughUnsafe:
		// Leave whatever the client sent untouched, including absent.
	case PassthroughIfTrustedElseDrop:
		if trusted {
			// keep as-is, even if absent
		} else {
			header.Del(name)
		}
	case PassthroughIfTrustedElseCreate:
		if trusted {
			// keep as-is, even if absent
		} else {
			header.Set(name, trueValue)
		}
	default:
		header.Del(name)
	}
}

func combineCSV(existing, trueValue string) string {
	if existing == "" {
		return trueValue
	}
	return existing + ", " + trueValue
}

func overwrite(_, trueValue string) string {
	return trueValue
}

// HopByHopHeaders are stripped from both the request forwarded to the origin
// and the response returned to the client, per RFC 7230 §6.1 plus the
// headers the Connection header itself names.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// StripHopByHopHeaders removes the standard hop-by-hop headers and any
// additional header named in a Connection: header from header, in place.
func StripHopByHopHeaders(header http.Header) {
	if conn := header.Get("Connection"); conn != "" {
		for _, tok := range strings.Split(conn, ",") {
			header.Del(strings.TrimSpace(tok))
		}
	}
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}

package proxycore

import (
	"sync/atomic"
	"time"
)

// RequestSnapshot is a lightweight summary of the most recently finalised
// bridged request for a Bridge, used by debug/introspection surfaces. It
// retains no body bytes, only metadata, so keeping one around costs nothing
// on the hot path. Full byte-level request/response snooping is left
// unimplemented; see DESIGN.md.
type RequestSnapshot struct {
	Origin     OriginKey
	Method     string
	Path       string
	StatusCode int
	Reusable   bool
	Duration   time.Duration
	At         time.Time
}

func (b *Bridge) recordLastRequest(snap RequestSnapshot) {
	b.lastRequestDetails.Store(&snap)
}

// LastRequestDetails returns a snapshot of the most recently finalised
// request this Bridge proxied, or nil if none has finished yet.
func (b *Bridge) LastRequestDetails() *RequestSnapshot {
	return b.lastRequestDetails.Load()
}

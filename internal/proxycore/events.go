package proxycore

import (
	"time"

	"github.com/relaycore/relay/pkg/eventbus"
)

// EventKind identifies what happened during a proxied request's lifecycle.
type EventKind string

const (
	EventSuccess          EventKind = "success"
	EventError            EventKind = "error"
	EventWebsocketBridged EventKind = "websocket_bridged"
	EventBodyRewritten    EventKind = "body_rewritten"
)

// Event is published once per notable bridge outcome, off the hot path, so
// logging and auxiliary consumers never block a request.
type Event struct {
	Kind       EventKind
	Origin     OriginKey
	RequestID  string
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Events is the proxy core's event bus, parameterised over Event.
type Events = eventbus.EventBus[Event]

// NewEvents returns a ready-to-use event bus with the library's default
// buffering and idle-subscriber cleanup.
func NewEvents() *Events {
	return eventbus.New[Event]()
}

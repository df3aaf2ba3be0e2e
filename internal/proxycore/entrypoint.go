package proxycore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
)

// MaxStaleRetryReplaySize bounds how large a request body ProxyRequest will
// buffer in memory to make it replayable after a stale-pool retry. Above
// this size, or when the size isn't known up front, the body is streamed
// straight through and a stale-pool failure is reported to the caller
// instead of retried.
const MaxStaleRetryReplaySize = 1 << 20 // 1 MiB

// ProxyRequest is the single entry point a front-end listener calls to
// proxy r to origin through b. It retries exactly once when the Bridge
// reports ErrStalePool - a pooled connection failed (typically because the
// origin closed it while it sat idle) before any response header reached
// the client - since nothing has been written to the client yet at that
// point. A request with a body is retried only when that body was buffered
// up front; otherwise ErrStalePool is returned to the caller.
//
// ErrStalePool can only occur when the Bridge acquired a pooled connection,
// so the body is only buffered up front when bridge's pool already holds an
// idle connection for origin; a fresh dial (the common case) can never
// return ErrStalePool and streams the body straight through without ever
// holding it in memory.
func ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, origin OriginKey, bridge *Bridge, opts BridgeOptions) error {
	hasBody := r.Body != nil && r.Body != http.NoBody
	replayable := hasBody && bridge.Pool.Len(origin) > 0 && r.ContentLength >= 0 && r.ContentLength <= MaxStaleRetryReplaySize

	var bodyBytes []byte
	if replayable {
		var err error
		bodyBytes, err = io.ReadAll(io.LimitReader(r.Body, MaxStaleRetryReplaySize))
		r.Body.Close()
		if err != nil {
			return err
		}
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	err := bridge.Run(ctx, w, r, origin, opts)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrStalePool) || (hasBody && !replayable) {
		return err
	}

	if replayable {
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	return bridge.Run(ctx, w, r, origin, opts)
}

package proxycore

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrKind
	}{
		{"stale pool", ErrStalePool, ErrKindStalePool},
		{"body too large", fmt.Errorf("wrap: %w", ErrBodyTooLarge), ErrKindUpstreamBodyOverLimit},
		{"context canceled", context.Canceled, ErrKindCancelled},
		{"context deadline exceeded", context.DeadlineExceeded, ErrKindUpstreamConnectTimeout},
		{"connect error", &ConnectError{Kind: ErrKindUpstreamTLSFailure, Cause: errors.New("x")}, ErrKindUpstreamTLSFailure},
		{"bridge error", &BridgeError{Kind: ErrKindUpstreamProtocolError, Cause: errors.New("x")}, ErrKindUpstreamProtocolError},
		{"unknown", errors.New("something else"), ErrKindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(context.Background(), tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestHumanize(t *testing.T) {
	msg := Humanize(ErrStalePool)
	if msg == "" {
		t.Error("expected non-empty human-readable message")
	}
}

func TestConnectError_Unwrap(t *testing.T) {
	cause := errors.New("dial failed")
	err := &ConnectError{Origin: "http://x", Kind: ErrKindUpstreamConnectTimeout, Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to see through ConnectError to its cause")
	}
}

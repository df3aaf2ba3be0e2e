package proxycore

import (
	"net/http"
	"testing"
)

func header(pairs ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

func TestDecideFraming(t *testing.T) {
	cases := []struct {
		name   string
		method string
		status int
		header http.Header
		want   FramingMode
	}{
		{"HEAD has no body", http.MethodHead, 200, header("Content-Length", "100"), FramingNoBody},
		{"websocket upgrade", http.MethodGet, 101, header("Upgrade", "websocket"), FramingWebsocket},
		{"204 no content", http.MethodGet, 204, header("Content-Length", "5"), FramingNoBody},
		{"304 not modified", http.MethodGet, 304, header(), FramingNoBody},
		{"1xx informational", http.MethodGet, 103, header(), FramingNoBody},
		{"content-length", http.MethodGet, 200, header("Content-Length", "42"), FramingContentLength},
		{"chunked", http.MethodGet, 200, header("Transfer-Encoding", "chunked"), FramingChunked},
		{"content-length takes precedence over chunked", http.MethodGet, 200, header("Content-Length", "42", "Transfer-Encoding", "chunked"), FramingContentLength},
		{"keep-alive default with no framing", http.MethodGet, 200, header(), FramingNoBody},
		{"explicit close with no framing", http.MethodGet, 200, header("Connection", "close"), FramingUntilClosed},
		{"invalid content-length falls through to keep-alive default", http.MethodGet, 200, header("Content-Length", "bogus"), FramingNoBody},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DecideFraming(tc.method, tc.status, 1, 1, tc.header)
			if got.Mode != tc.want {
				t.Errorf("DecideFraming() mode = %s, want %s", got.Mode, tc.want)
			}
		})
	}
}

func TestDecideFraming_ContentLengthValue(t *testing.T) {
	got := DecideFraming(http.MethodGet, 200, 1, 1, header("Content-Length", "1234"))
	if got.Length != 1234 {
		t.Errorf("expected length 1234, got %d", got.Length)
	}
	if !got.Reusable {
		t.Error("expected content-length framed response to be reusable")
	}
}

func TestDecideFraming_KeepAliveDefaultNotReusable(t *testing.T) {
	got := DecideFraming(http.MethodGet, 200, 1, 1, header())
	if got.Mode != FramingNoBody {
		t.Errorf("expected NoBody when keep-alive is assumed with no framing, got %s", got.Mode)
	}
	if got.Reusable {
		t.Error("expected a misbehaving keep-alive response with no framing to be marked non-reusable")
	}
}

func TestDecideFraming_HTTP10DefaultsToClose(t *testing.T) {
	got := DecideFraming(http.MethodGet, 200, 1, 0, header())
	if got.Mode != FramingUntilClosed {
		t.Errorf("expected UntilClosed for HTTP/1.0 with no Connection header, got %s", got.Mode)
	}
	if got.Reusable {
		t.Error("expected until-closed framing to mark connection not reusable")
	}
}

func TestDecideFraming_ExplicitCloseOverridesHTTP11Default(t *testing.T) {
	got := DecideFraming(http.MethodGet, 200, 1, 1, header("Connection", "close"))
	if got.Mode != FramingUntilClosed {
		t.Errorf("expected UntilClosed when Connection: close is explicit, got %s", got.Mode)
	}
}

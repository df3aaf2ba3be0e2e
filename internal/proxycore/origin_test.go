package proxycore

import "testing"

func TestCanonicalOrigin(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want OriginKey
	}{
		{"default http port omitted", "http://Example.com:80/foo", "http://example.com"},
		{"default https port omitted", "https://Example.COM:443/bar?x=1", "https://example.com"},
		{"non-default port kept", "http://example.com:8080/", "http://example.com:8080"},
		{"ws default port", "ws://example.com:80/socket", "ws://example.com"},
		{"wss default port", "wss://example.com:443/socket", "wss://example.com"},
		{"lowercased host", "HTTP://UPSTREAM.internal/", "http://upstream.internal"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CanonicalOrigin(tc.in)
			if err != nil {
				t.Fatalf("CanonicalOrigin(%q) returned error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("CanonicalOrigin(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCanonicalOrigin_Idempotent(t *testing.T) {
	first, err := CanonicalOrigin("HTTPS://Example.com:443/path")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := CanonicalOrigin(first.String())
	if err != nil {
		t.Fatalf("unexpected error re-canonicalizing: %v", err)
	}

	if first != second {
		t.Errorf("CanonicalOrigin not idempotent: %q != %q", first, second)
	}
}

func TestCanonicalOrigin_Invalid(t *testing.T) {
	if _, err := CanonicalOrigin("/just/a/path"); err == nil {
		t.Error("expected error for url missing scheme and host")
	}
	if _, err := CanonicalOrigin("://bad"); err == nil {
		t.Error("expected error for malformed url")
	}
}

func TestOriginKey_HostPort(t *testing.T) {
	k := OriginKey("https://upstream.internal")
	if got := k.HostPort(); got != "upstream.internal:443" {
		t.Errorf("HostPort() = %q, want upstream.internal:443", got)
	}

	k2 := OriginKey("http://upstream.internal:9000")
	if got := k2.HostPort(); got != "upstream.internal:9000" {
		t.Errorf("HostPort() = %q, want upstream.internal:9000", got)
	}
}

func TestOriginKey_IsTLS(t *testing.T) {
	if !OriginKey("https://x").IsTLS() {
		t.Error("expected https origin to report IsTLS true")
	}
	if !OriginKey("wss://x").IsTLS() {
		t.Error("expected wss origin to report IsTLS true")
	}
	if OriginKey("http://x").IsTLS() {
		t.Error("expected http origin to report IsTLS false")
	}
}

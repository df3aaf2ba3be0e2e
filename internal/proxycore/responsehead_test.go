package proxycore

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

type fakeDeadlineConn struct {
	net.Conn
}

func (f *fakeDeadlineConn) SetReadDeadline(t time.Time) error { return nil }

func TestReadResponseLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	rl, err := ReadResponseLine(&fakeDeadlineConn{}, r, time.Second)
	if err != nil {
		t.Fatalf("ReadResponseLine failed: %v", err)
	}

	if rl.ProtoMajor != 1 || rl.ProtoMinor != 1 {
		t.Errorf("expected HTTP/1.1, got %d.%d", rl.ProtoMajor, rl.ProtoMinor)
	}
	if rl.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", rl.StatusCode)
	}
	if rl.Reason != "OK" {
		t.Errorf("expected reason OK, got %q", rl.Reason)
	}
}

func TestReadResponseLine_Malformed(t *testing.T) {
	cases := []string{
		"garbage\r\n",
		"HTTP/1.1\r\n",
		"HTTP/1.1 abc OK\r\n",
		"FOO/1.1 200 OK\r\n",
	}
	for _, in := range cases {
		r := bufio.NewReader(strings.NewReader(in))
		if _, err := ReadResponseLine(&fakeDeadlineConn{}, r, time.Second); err == nil {
			t.Errorf("expected error for malformed line %q", in)
		}
	}
}

func TestReadHeaderSection(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Content-Length: 5\r\nX-Test: a, b\r\n\r\nbody"))
	headers, err := ReadHeaderSection(&fakeDeadlineConn{}, r, time.Second)
	if err != nil {
		t.Fatalf("ReadHeaderSection failed: %v", err)
	}

	if headers.Get("Content-Length") != "5" {
		t.Errorf("expected Content-Length 5, got %q", headers.Get("Content-Length"))
	}
	if headers.Get("X-Test") != "a, b" {
		t.Errorf("expected X-Test 'a, b', got %q", headers.Get("X-Test"))
	}
}

package proxycore

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
)

// bridgeWebsocket completes a protocol upgrade by writing the origin's
// 101 response back to the client, then copies bytes bidirectionally between
// the two raw connections until either side closes. The first direction to
// finish closes both connections, unblocking the other.
func (b *Bridge) bridgeWebsocket(w http.ResponseWriter, upstream net.Conn, upstreamReader *bufio.Reader, respLine *ResponseLine, respHeader http.Header, opts BridgeOptions) error {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return &BridgeError{State: "WebSocket", Kind: ErrKindUpstreamProtocolError, Cause: fmt.Errorf("proxycore: response writer does not support hijacking")}
	}

	downstream, downstreamReadWriter, err := hijacker.Hijack()
	if err != nil {
		return &BridgeError{State: "WebSocket", Kind: ErrKindClientDisconnect, Cause: err}
	}
	defer downstream.Close()

	// The handshake response's Connection/Upgrade pair is what the client
	// checks to confirm the protocol switch; unlike a normal proxied
	// response, hop-by-hop stripping must not touch it here.
	var head []byte
	head = append(head, []byte(fmt.Sprintf("HTTP/%d.%d %d %s\r\n", respLine.ProtoMajor, respLine.ProtoMinor, respLine.StatusCode, respLine.Reason))...)
	head = append(head, headerBytes(respHeader)...)
	head = append(head, '\r', '\n')

	if _, err := downstream.Write(head); err != nil {
		return &BridgeError{State: "WebSocket", Kind: ErrKindClientDisconnect, Cause: err}
	}
	if err := downstreamReadWriter.Writer.Flush(); err != nil {
		return &BridgeError{State: "WebSocket", Kind: ErrKindClientDisconnect, Cause: err}
	}

	// Any bytes the client already sent past the request headers (buffered
	// by the hijacked reader) must be forwarded before we start the raw
	// bidirectional copy, otherwise they're lost.
	if n := downstreamReadWriter.Reader.Buffered(); n > 0 {
		buffered := make([]byte, n)
		if _, err := io.ReadFull(downstreamReadWriter.Reader, buffered); err == nil {
			if _, err := upstream.Write(buffered); err != nil {
				return &BridgeError{State: "WebSocket", Kind: ErrKindUpstreamProtocolError, Cause: err}
			}
		}
	}
	// Likewise for any origin bytes already buffered past the response head.
	if n := upstreamReader.Buffered(); n > 0 {
		buffered := make([]byte, n)
		if _, err := io.ReadFull(upstreamReader, buffered); err == nil {
			if _, err := downstream.Write(buffered); err != nil {
				return &BridgeError{State: "WebSocket", Kind: ErrKindClientDisconnect, Cause: err}
			}
		}
	}

	// EventWebsocketBridged is published by Run once roundTrip returns, after
	// the bicopy below has finished and the final statistics are known.
	bicopy(downstream, upstream)
	return nil
}

// bicopy runs two directional copies concurrently and waits for both to
// finish, closing each side so a stall on one direction cannot hang the
// other indefinitely.
func bicopy(a, b net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		buf := copyBufferPool.Get()
		defer copyBufferPool.Put(buf)
		io.CopyBuffer(a, b, buf)
		a.Close()
		done <- struct{}{}
	}()
	go func() {
		buf := copyBufferPool.Get()
		defer copyBufferPool.Put(buf)
		io.CopyBuffer(b, a, buf)
		b.Close()
		done <- struct{}{}
	}()

	<-done
	<-done
}

func headerBytes(header http.Header) []byte {
	var buf []byte
	for k, values := range header {
		for _, v := range values {
			buf = append(buf, []byte(k+": "+v+"\r\n")...)
		}
	}
	return buf
}

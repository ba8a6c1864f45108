package proxy

import (
	"net"
	"time"
)

// http2Preface is the fixed 24-byte client connection preface every HTTP/2
// connection must begin with (RFC 9113 section 3.4).
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// replayConn wraps a connection together with bytes that were consumed
// during protocol detection. Reads drain the buffered head first, so the
// protocol engine that receives the connection re-reads the stream from
// its very first byte.
type replayConn struct {
	net.Conn
	head []byte
}

func newReplayConn(conn net.Conn, head []byte) *replayConn {
	return &replayConn{Conn: conn, head: head}
}

func (rc *replayConn) Read(b []byte) (int, error) {
	if len(rc.head) > 0 {
		n := copy(b, rc.head)
		rc.head = rc.head[n:]
		return n, nil
	}
	return rc.Conn.Read(b)
}

// sniffPreface decides whether an accepted connection speaks HTTP/2 or
// HTTP/1.1 by comparing its first bytes against the HTTP/2 client preface.
// The first mismatching byte decides HTTP/1.1 immediately, even with an
// incomplete buffer; a full 24-byte match decides HTTP/2. A connection
// producing no decision within the timeout is reported as an error and
// must be closed by the caller.
//
// The returned connection replays all consumed bytes in original order.
func sniffPreface(conn net.Conn, timeout time.Duration) (net.Conn, bool, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return conn, false, err
	}

	buffered := make([]byte, 0, len(http2Preface))
	chunk := make([]byte, len(http2Preface))

	for len(buffered) < len(http2Preface) {
		n, err := conn.Read(chunk[:len(http2Preface)-len(buffered)])
		if n > 0 {
			buffered = append(buffered, chunk[:n]...)
			if !prefaceMatches(buffered) {
				// Mismatch: HTTP/1.1, no need to wait for more bytes.
				if derr := conn.SetReadDeadline(time.Time{}); derr != nil {
					return conn, false, derr
				}
				return newReplayConn(conn, buffered), false, nil
			}
		}
		if err != nil {
			return newReplayConn(conn, buffered), false, err
		}
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return conn, false, err
	}
	return newReplayConn(conn, buffered), true, nil
}

// prefaceMatches reports whether buffered is a prefix of the HTTP/2 preface,
// compared byte by byte up to min(len(buffered), len(preface)).
func prefaceMatches(buffered []byte) bool {
	if len(buffered) > len(http2Preface) {
		return false
	}
	for i, b := range buffered {
		if b != http2Preface[i] {
			return false
		}
	}
	return true
}

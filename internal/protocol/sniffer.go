package protocol

import (
	"bufio"
	"bytes"
	"net"
	"time"
)

// PolicyRequest is the probe an older client runtime sends before speaking the game protocol
const PolicyRequest = "<policy-file-request/>"

// PolicyResponse is the canned answer to PolicyRequest, NUL-terminated as the runtime expects
const PolicyResponse = `<?xml version="1.0"?>` +
	`<!DOCTYPE cross-domain-policy SYSTEM "http://www.adobe.com/xml/dtds/cross-domain-policy.dtd">` +
	`<cross-domain-policy>` +
	`<site-control permitted-cross-domain-policies="all"/>` +
	`<allow-access-from domain="*" to-ports="*"/>` +
	`</cross-domain-policy>` + "\x00"

// SniffConn wraps a connection with probe sniffing capability. Reads go
// through the sniffing buffer; everything else reaches the wrapped conn.
type SniffConn struct {
	Conn net.Conn
	br   *bufio.Reader
}

var _ net.Conn = (*SniffConn)(nil)

// NewSniffConn creates a new SniffConn
func NewSniffConn(conn net.Conn) *SniffConn {
	return &SniffConn{
		Conn: conn,
		br:   bufio.NewReader(conn),
	}
}

// SniffPolicyRequest reports whether the stream starts with PolicyRequest and,
// if so, consumes it (and a trailing NUL when already buffered).
//
// A frame never starts with '<': that would declare a length above 1 GiB.
// Only the first byte is peeked for ordinary frames, so short header-only
// frames are not held back waiting for more input.
func (s *SniffConn) SniffPolicyRequest() (bool, error) {
	first, err := s.br.Peek(1)
	if err != nil {
		return false, err
	}
	if first[0] != PolicyRequest[0] {
		return false, nil
	}

	peeked, err := s.br.Peek(len(PolicyRequest))
	if err != nil {
		return false, err
	}
	if !bytes.Equal(peeked, []byte(PolicyRequest)) {
		return false, nil
	}
	if _, err := s.br.Discard(len(PolicyRequest)); err != nil {
		return false, err
	}
	if s.br.Buffered() > 0 {
		if next, _ := s.br.Peek(1); len(next) == 1 && next[0] == 0 {
			_, _ = s.br.Discard(1)
		}
	}
	return true, nil
}

// Read implements io.Reader
func (s *SniffConn) Read(p []byte) (n int, err error) {
	return s.br.Read(p)
}

// Write implements io.Writer
func (s *SniffConn) Write(p []byte) (n int, err error) {
	return s.Conn.Write(p)
}

// Close closes the connection
func (s *SniffConn) Close() error {
	return s.Conn.Close()
}

// RemoteAddr returns the remote address
func (s *SniffConn) RemoteAddr() net.Addr {
	return s.Conn.RemoteAddr()
}

// LocalAddr returns the local address
func (s *SniffConn) LocalAddr() net.Addr {
	return s.Conn.LocalAddr()
}

// SetDeadline sets the read and write deadlines
func (s *SniffConn) SetDeadline(t time.Time) error {
	return s.Conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline
func (s *SniffConn) SetReadDeadline(t time.Time) error {
	return s.Conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline
func (s *SniffConn) SetWriteDeadline(t time.Time) error {
	return s.Conn.SetWriteDeadline(t)
}

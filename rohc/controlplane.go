package rohc

import (
	"crypto/tls"
	"net"
	"time"
)

// controlPlane is the transport a session's control state machine runs
// over: a TCP+TLS byte stream. The stream is ordered and reliable, so
// there is no sequence number, ack or retransmit machinery here.
type controlPlane struct {
	conn *tls.Conn
}

// dialControlPlane opens a TCP connection to addr and performs the
// client side of a TLS handshake using cfg.
func dialControlPlane(addr string, cfg *tls.Config) (*controlPlane, error) {
	conn, err := tls.Dial("tcp4", addr, cfg)
	if err != nil {
		return nil, err
	}
	return &controlPlane{conn: conn}, nil
}

// newControlPlane wraps an already-accepted TLS connection, used by the
// server's accept loop in supervisor.go.
func newControlPlane(conn *tls.Conn) *controlPlane {
	return &controlPlane{conn: conn}
}

func (cp *controlPlane) LocalAddr() net.Addr  { return cp.conn.LocalAddr() }
func (cp *controlPlane) RemoteAddr() net.Addr { return cp.conn.RemoteAddr() }

func (cp *controlPlane) SetDeadline(t time.Time) error {
	return cp.conn.SetDeadline(t)
}

func (cp *controlPlane) SetReadDeadline(t time.Time) error {
	return cp.conn.SetReadDeadline(t)
}

func (cp *controlPlane) Read(b []byte) (int, error) {
	return cp.conn.Read(b)
}

func (cp *controlPlane) Write(b []byte) (int, error) {
	return cp.conn.Write(b)
}

// close sends a TLS close-notify and releases the underlying socket.
func (cp *controlPlane) close() error {
	return cp.conn.Close()
}

func (cp *controlPlane) readFrame() (frame, error) {
	return readFrame(cp.conn)
}

func (cp *controlPlane) writeFrame(f frame) error {
	return writeFrame(cp.conn, f)
}

// handshake drives the TLS handshake to completion if it has not already
// run and checks the resulting connection state. Certificate policy
// beyond the standard verifier is supplied by the caller through
// tls.Config; a renegotiation request after this point surfaces as a read
// error and ends the session.
func (cp *controlPlane) handshake() error {
	if err := cp.conn.Handshake(); err != nil {
		return &ProtocolError{Kind: ErrAuthFailure, Message: err.Error()}
	}
	if !cp.conn.ConnectionState().HandshakeComplete {
		return &ProtocolError{Kind: ErrAuthFailure, Message: "tls handshake incomplete"}
	}
	return nil
}

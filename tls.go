package mssql

import (
	"context"
	"crypto/tls"
	"net"
)

// tdsTLSTunnel wraps a net.Conn so that bytes written during the TLS
// handshake are tunneled inside PRELOGIN-typed TDS packets, and bytes
// read are unwrapped from the same framing: the TLS handshake itself
// travels inside TDS PRELOGIN packets until negotiation completes,
// after which the channel becomes transparent.
//
// It implements net.Conn so it can be handed directly to tls.Client;
// Close and the deadline methods simply forward to the wrapped conn.
// Once the handshake finishes, switchToRaw stops framing so the
// now-encrypted application stream passes through untouched - the TLS
// record layer provides its own framing from that point on.
type tdsTLSTunnel struct {
	net.Conn
	framer *Framer
	raw bool

	pending []byte // unread framed-but-not-yet-consumed handshake bytes
}

func newTDSTLSTunnel(conn net.Conn) *tdsTLSTunnel {
	return &tdsTLSTunnel{Conn: conn, framer: NewFramer()}
}

func (t *tdsTLSTunnel) Read(p []byte) (int, error) {
	if t.raw {
		return t.Conn.Read(p)
	}
	for len(t.pending) == 0 {
		msg, err := t.framer.Poll()
		if err != nil {
			return 0, err
		}
		if msg != nil {
			if msg.Type != PacketPreLogin {
				return 0, newProtocolError("unexpected packet type %v during TLS handshake", msg.Type)
			}
			t.pending = msg.Payload
			break
		}
		chunk := make([]byte, 4096)
		n, err := t.Conn.Read(chunk)
		if n > 0 {
			t.framer.Push(chunk[:n])
		}
		if err != nil {
			return 0, err
		}
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *tdsTLSTunnel) Write(p []byte) (int, error) {
	if t.raw {
		return t.Conn.Write(p)
	}
	for _, pkt := range t.framer.Encode(PacketPreLogin, p, defaultPacketSize) {
		if _, err := t.Conn.Write(pkt); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// switchToRaw stops PRELOGIN-framing outbound/inbound bytes: called once
// the TLS handshake has completed and the channel is fully encrypted
// end to end.
func (t *tdsTLSTunnel) switchToRaw() { t.raw = true }

// upgradeToTLS performs the in-band TLS handshake over conn (tunneled
// while mode != EncryptStrict, direct for EncryptStrict which runs TLS
// from the very first byte per TDS 8.0) and returns the resulting
// encrypted transport. The tunnel is switched to raw mode before
// returning for every mode except EncryptStrict, which stays
// TLS-record-framed for the life of the connection.
func upgradeToTLS(ctx context.Context, conn net.Conn, cfg *tls.Config, mode EncryptionMode) (net.Conn, error) {
	if mode == EncryptStrict {
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, newAuthenticationFailedError("tls handshake failed", err)
		}
		return tlsConn, nil
	}

	tunnel := newTDSTLSTunnel(conn)
	tlsConn := tls.Client(tunnel, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, newAuthenticationFailedError("tls handshake failed", err)
	}
	tunnel.switchToRaw()
	return tlsConn, nil
}

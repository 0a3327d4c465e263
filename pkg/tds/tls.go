package tds

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"
)

// tunnelConn wraps a net.Conn so that crypto/tls can drive the TDS-tunneled
// TLS handshake: every byte crypto/tls writes is framed inside a PRELOGIN
// packet on the way out, and every PRELOGIN packet's payload the server
// sends back is unwrapped and handed to crypto/tls on the way in. Once the
// handshake completes the connection switches to raw record I/O directly on
// the wire — SQL Server stops tunneling TLS in PRELOGIN packets the instant
// ServerHello/Finished has been exchanged.
type tunnelConn struct {
	net.Conn
	readBuf  []byte
	readPos  int
	tunneled bool
}

func newTunnelConn(c net.Conn) *tunnelConn {
	return &tunnelConn{Conn: c, tunneled: true}
}

func (t *tunnelConn) Read(b []byte) (int, error) {
	if !t.tunneled {
		return t.Conn.Read(b)
	}
	if t.readPos < len(t.readBuf) {
		n := copy(b, t.readBuf[t.readPos:])
		t.readPos += n
		return n, nil
	}

	hdr, err := ReadHeader(t.Conn)
	if err != nil {
		return 0, fmt.Errorf("tds: reading tunneled TLS packet header: %w", err)
	}
	if hdr.Type != PacketPrelogin && hdr.Type != PacketReply {
		return 0, fmt.Errorf("tds: unexpected packet type %s during TLS handshake", hdr.Type)
	}
	payload := make([]byte, hdr.PayloadLength())
	if len(payload) > 0 {
		if _, err := io.ReadFull(t.Conn, payload); err != nil {
			return 0, fmt.Errorf("tds: reading tunneled TLS payload: %w", err)
		}
	}
	t.readBuf = payload
	t.readPos = 0
	n := copy(b, t.readBuf)
	t.readPos = n
	return n, nil
}

func (t *tunnelConn) Write(b []byte) (int, error) {
	if !t.tunneled {
		return t.Conn.Write(b)
	}
	hdr := Header{
		Type:     PacketPrelogin,
		Status:   StatusEOM,
		Length:   uint16(HeaderSize + len(b)),
		PacketID: 1,
	}
	if err := hdr.Write(t.Conn); err != nil {
		return 0, err
	}
	if _, err := t.Conn.Write(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// stopTunneling switches the wrapper to direct, unframed I/O — called once
// the TLS handshake completes.
func (t *tunnelConn) stopTunneling() { t.tunneled = false }

// UpgradeClientTLS performs the client side of the TDS-tunneled TLS
// handshake: crypto/tls's Client handshake runs over a
// tunnelConn that frames the handshake bytes as PRELOGIN packets, matching
// what SQL Server expects before the connection is considered encrypted.
// serverName drives certificate hostname verification; pass an empty
// string only when cfg.InsecureSkipVerify is explicitly set (never the
// default — this module does not trust unverified certificates by default).
func UpgradeClientTLS(raw net.Conn, cfg *tls.Config, serverName string, handshakeTimeout time.Duration) (*tls.Conn, error) {
	cfgCopy := cfg.Clone()
	if cfgCopy == nil {
		cfgCopy = &tls.Config{}
	}
	if cfgCopy.ServerName == "" {
		cfgCopy.ServerName = serverName
	}
	if cfgCopy.MinVersion == 0 {
		cfgCopy.MinVersion = tls.VersionTLS12
	}

	tun := newTunnelConn(raw)
	tlsConn := tls.Client(tun, cfgCopy)

	if handshakeTimeout > 0 {
		raw.SetDeadline(time.Now().Add(handshakeTimeout))
		defer raw.SetDeadline(time.Time{})
	}
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("tds: TLS handshake failed: %w", err)
	}

	tun.stopTunneling()
	return tlsConn, nil
}

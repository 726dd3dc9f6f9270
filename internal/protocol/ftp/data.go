package ftp

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"
)

// Protection is the data-channel protection level negotiated with PROT.
type Protection string

const (
	ProtectionProtected Protection = "P"
	ProtectionClear     Protection = "C"
)

func (p Protection) String() string {
	switch p {
	case ProtectionProtected:
		return "protected"
	case ProtectionClear:
		return "clear"
	default:
		return string(p)
	}
}

// TransferType is the representation type selected with TYPE.
type TransferType string

const (
	TypeBinary TransferType = "I"
	TypeASCII  TransferType = "A"
)

// DataChannelStrategy customizes how data channels are reached and secured.
type DataChannelStrategy interface {
	// ResolvePassiveAddress maps the host/port announced in a PASV reply to
	// the address the client should dial.
	ResolvePassiveAddress(controlHost string, host string, port int) string
	// WrapDataChannel secures a freshly opened data connection with the
	// negotiated TLS context.
	WrapDataChannel(ctx context.Context, conn net.Conn, cfg *tls.Config) (net.Conn, error)
}

// DefaultStrategy dials the control host whenever the server announces a
// private or loopback passive address, and wraps protected data channels in
// TLS sharing the control channel's session cache.
type DefaultStrategy struct{}

func (DefaultStrategy) ResolvePassiveAddress(controlHost string, host string, port int) string {
	if ip := net.ParseIP(host); ip == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		host = controlHost
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (DefaultStrategy) WrapDataChannel(ctx context.Context, conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// idleConn refreshes a deadline before every read or write so long transfers
// only fail when the peer goes silent.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c idleConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

func (c idleConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(p)
}

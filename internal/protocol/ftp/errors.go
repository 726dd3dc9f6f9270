package ftp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	ErrNotConnected    = errors.New("ftp: not connected")
	ErrMalformedReply  = errors.New("ftp: malformed reply")
	ErrActiveModeIPv4  = errors.New("ftp: active mode requires an ipv4 control connection")
	ErrTLSNotNegotiate = errors.New("ftp: protected data channel requires tls on the control channel")
)

// ProtocolError is a negative or unexpected server reply to one command.
type ProtocolError struct {
	Command string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s: %d %s", e.Command, e.Code, e.Message)
}

// Permanent reports a 5xx reply. Servers use 5xx for permission denials,
// missing files and refused commands.
func (e *ProtocolError) Permanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// Transient reports a 4xx reply.
func (e *ProtocolError) Transient() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsPermanent reports whether err carries a 5xx server reply.
func IsPermanent(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Permanent()
}

// IsConnectionLost reports whether err means the control or data connection
// can no longer be trusted: TLS faults, resets, broken pipes, timeouts and
// closed sockets. A 421 reply (service closing) counts as well.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code == 421
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if IsTLSFault(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsTLSFault reports whether err originated in the TLS layer.
func IsTLSFault(err error) bool {
	if err == nil {
		return false
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return true
	}
	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	return strings.Contains(err.Error(), "tls:")
}

func redactCommand(line string) string {
	if strings.HasPrefix(strings.ToUpper(line), "PASS ") {
		return "PASS ****"
	}
	return line
}

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/ftprelay/internal/protocol/ftp"
	"github.com/danmuck/ftprelay/internal/protocol/session"
)

// ConnectError is raised by the session manager; it is run-fatal outside the
// per-item retry scope.
type ConnectError = session.ConnectError

// ProvisionError means a required remote directory could not be ensured.
type ProvisionError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("relay: provision %s failed after %d attempt(s): %v", e.Path, e.Attempts, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// TransientTransferError wraps a transport fault observed during one
// operation (TLS, reset, timeout).
type TransientTransferError struct {
	Op  string
	Err error
}

func (e *TransientTransferError) Error() string {
	return fmt.Sprintf("relay: %s: transient transfer fault: %v", e.Op, e.Err)
}

func (e *TransientTransferError) Unwrap() error { return e.Err }

// SizeMismatchError reports a destination whose size did not match the cached
// local size. Actual is -1 when the server could not report a size.
type SizeMismatchError struct {
	Path     string
	Expected int64
	Actual   int64
	Err      error
}

func (e *SizeMismatchError) Error() string {
	if e.Actual < 0 {
		return fmt.Sprintf("relay: size of %s unavailable (expected %d): %v", e.Path, e.Expected, e.Err)
	}
	return fmt.Sprintf("relay: size mismatch on %s: expected %d got %d", e.Path, e.Expected, e.Actual)
}

func (e *SizeMismatchError) Unwrap() error { return e.Err }

// PermissionError is a server-side rejection that survived the relocation
// fallback.
type PermissionError struct {
	Op   string
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("relay: %s %s rejected: %v", e.Op, e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// EmptyResultError is a fetch that produced a zero-byte local file.
type EmptyResultError struct {
	Name string
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("relay: fetch of %s produced an empty file", e.Name)
}

// SkipError ends an item without a transfer, e.g. a local file that vanished
// before upload.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "relay: skipped: " + e.Reason
}

type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassPermission
	ClassSkip
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermission:
		return "permission"
	case ClassSkip:
		return "skip"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classification is the verdict for one failed operation.
type Classification struct {
	Class Class
	// Kind is a short label for logs and metrics.
	Kind string
	// Reconnect asks for a forced session reconnect before the next try.
	Reconnect bool
}

// Retryable reports whether another try may succeed.
func (c Classification) Retryable() bool {
	return c.Class == ClassTransient || c.Class == ClassPermission
}

// Classify maps a raw failure to the relay taxonomy. It is called once per
// operation boundary.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Class: ClassNone, Kind: "none"}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Classification{Class: ClassCanceled, Kind: "canceled"}
	}

	var skip *SkipError
	if errors.As(err, &skip) {
		return Classification{Class: ClassSkip, Kind: "skipped"}
	}
	var mismatch *SizeMismatchError
	if errors.As(err, &mismatch) {
		return Classification{Class: ClassTransient, Kind: "size_mismatch"}
	}
	var empty *EmptyResultError
	if errors.As(err, &empty) {
		return Classification{Class: ClassTransient, Kind: "empty_result"}
	}
	var connect *ConnectError
	if errors.As(err, &connect) {
		// The next Ensure already redials.
		return Classification{Class: ClassTransient, Kind: "connect"}
	}
	if ftp.IsTLSFault(err) {
		return Classification{Class: ClassTransient, Kind: "tls", Reconnect: true}
	}
	if ftp.IsConnectionLost(err) {
		return Classification{Class: ClassTransient, Kind: "connection", Reconnect: true}
	}
	var perm *PermissionError
	if errors.As(err, &perm) || ftp.IsPermanent(err) {
		return Classification{Class: ClassPermission, Kind: "permission"}
	}
	var pe *ftp.ProtocolError
	if errors.As(err, &pe) && pe.Transient() {
		return Classification{Class: ClassTransient, Kind: "server_busy"}
	}
	var provision *ProvisionError
	if errors.As(err, &provision) {
		return Classification{Class: ClassTransient, Kind: "provision"}
	}
	return Classification{Class: ClassTransient, Kind: "other"}
}

// wrapTransport tags connection-class failures so records say where the
// fault happened.
func wrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if ftp.IsConnectionLost(err) {
		return &TransientTransferError{Op: op, Err: err}
	}
	return err
}

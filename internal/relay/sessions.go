package relay

import (
	"context"

	"github.com/danmuck/ftprelay/internal/protocol/session"
)

// Conn is the live control session handed to operations.
type Conn = session.Conn

// Sessions is the slice of the session manager the engine depends on.
// *session.Manager satisfies it.
type Sessions interface {
	Ensure(ctx context.Context) (session.Conn, error)
	Reconnect(ctx context.Context) (session.Conn, error)
	Keepalive(ctx context.Context) error
	Recycle(ctx context.Context, processed int) error
}

var _ Sessions = (*session.Manager)(nil)

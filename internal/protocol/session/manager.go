package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/ftprelay/internal/observability"
	"github.com/danmuck/ftprelay/internal/protocol/ftp"
	"github.com/rs/zerolog/log"
)

var ErrNoUsableMode = errors.New("session: no protection/data mode worked")

// ConnectError means no session could be established after every configured
// attempt and mode.
type ConnectError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("session: connect %s failed after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Session is a point-in-time view of the managed connection.
type Session struct {
	Addr        string
	Mode        Mode
	Alive       bool
	ConnectedAt time.Time
	LastCheckAt time.Time
	Reconnects  int
}

// ManagerOption configures NewManager.
type ManagerOption func(*Manager)

// WithClock replaces time.Now for keepalive gating.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSleep replaces the backoff sleep between connect attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) ManagerOption {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// Manager owns at most one live control session.
type Manager struct {
	cfg    Config
	dialer Dialer
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	conn        Conn
	mode        Mode
	connectedAt time.Time
	lastCheck   time.Time
	reconnects  int
}

func NewManager(cfg Config, dialer Dialer, opts ...ManagerOption) *Manager {
	if len(cfg.Modes) == 0 {
		cfg.Modes = DefaultModes()
	}
	m := &Manager{
		cfg:    cfg,
		dialer: dialer,
		now:    time.Now,
		sleep:  Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure returns a live connection. An existing handle is checked with NOOP;
// a failed check closes it and reconnects.
func (m *Manager) Ensure(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.conn != nil {
		err := m.conn.Noop()
		if err == nil {
			m.lastCheck = m.now()
			return m.conn, nil
		}
		log.Warn().Err(err).Str("mode", m.mode.String()).Msg("session.Manager.Ensure noop failed")
		return m.reconnect(ctx, "noop_failed")
	}
	return m.reconnect(ctx, "initial")
}

// Reconnect discards the current handle and opens a fresh session.
func (m *Manager) Reconnect(ctx context.Context) (Conn, error) {
	return m.reconnect(ctx, "forced")
}

// Keepalive checks the session when KeepaliveInterval has passed since the
// last successful check.
func (m *Manager) Keepalive(ctx context.Context) error {
	if m.cfg.KeepaliveInterval <= 0 || m.conn == nil {
		return nil
	}
	if m.now().Sub(m.lastCheck) < m.cfg.KeepaliveInterval {
		return nil
	}
	_, err := m.Ensure(ctx)
	return err
}

// Recycle reconnects after every ReconnectEvery processed items.
func (m *Manager) Recycle(ctx context.Context, processed int) error {
	every := m.cfg.ReconnectEvery
	if every <= 0 || processed <= 0 || processed%every != 0 {
		return nil
	}
	log.Info().Int("processed", processed).Msg("session.Manager.Recycle scheduled reconnect")
	_, err := m.reconnect(ctx, "recycle")
	return err
}

func (m *Manager) Session() Session {
	return Session{
		Addr:        m.cfg.Addr(),
		Mode:        m.mode,
		Alive:       m.conn != nil,
		ConnectedAt: m.connectedAt,
		LastCheckAt: m.lastCheck,
		Reconnects:  m.reconnects,
	}
}

// Close sends QUIT best-effort and drops the handle.
func (m *Manager) Close() error {
	return m.release(true)
}

// release drops the handle. Stale handles are closed without QUIT so a dead
// peer cannot stall the reconnect for a full command timeout.
func (m *Manager) release(graceful bool) error {
	if m.conn == nil {
		return nil
	}
	var err error
	if graceful {
		err = closeConn(m.conn)
	} else {
		err = m.conn.Close()
	}
	m.conn = nil
	return err
}

func (m *Manager) reconnect(ctx context.Context, reason string) (Conn, error) {
	_ = m.release(reason == "recycle")

	attempts := m.cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	tried := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := m.sleep(ctx, NextBackoffDelay(m.cfg.Backoff, attempt-1, nil)); err != nil {
				lastErr = err
				break
			}
		}
		tried = attempt
		conn, mode, err := m.connect(ctx)
		if err == nil {
			now := m.now()
			m.conn = conn
			m.mode = mode
			m.connectedAt = now
			m.lastCheck = now
			m.reconnects++
			observability.RecordReconnect(reason, true)
			log.Info().
				Str("addr", m.cfg.Addr()).
				Str("mode", mode.String()).
				Str("reason", reason).
				Int("attempt", attempt).
				Msg("session.Manager connected")
			return conn, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Str("reason", reason).Msg("session.Manager connect failed")
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
	}
	observability.RecordReconnect(reason, false)
	return nil, &ConnectError{Addr: m.cfg.Addr(), Attempts: tried, Err: lastErr}
}

// connect dials and walks the mode preference list. A mode that kills the
// control connection causes a redial before the next mode is tried.
func (m *Manager) connect(ctx context.Context) (Conn, Mode, error) {
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, Mode{}, err
	}
	var lastErr error
	for _, mode := range m.cfg.Modes {
		if conn == nil {
			if conn, err = m.dialer.Dial(ctx); err != nil {
				return nil, Mode{}, err
			}
		}
		err := m.applyMode(conn, mode)
		if err == nil {
			return conn, mode, nil
		}
		lastErr = fmt.Errorf("%s: %w", mode, err)
		log.Debug().Err(err).Str("mode", mode.String()).Msg("session.Manager mode rejected")
		if ftp.IsConnectionLost(err) {
			_ = conn.Close()
			conn = nil
		}
	}
	if conn != nil {
		_ = closeConn(conn)
	}
	return nil, Mode{}, fmt.Errorf("%w: %v", ErrNoUsableMode, lastErr)
}

func (m *Manager) applyMode(conn Conn, mode Mode) error {
	if err := conn.SetProtection(mode.Protection); err != nil {
		return err
	}
	conn.SetPassive(mode.Passive)
	if m.cfg.OriginDir != "" {
		if err := conn.ChangeDir(m.cfg.OriginDir); err != nil {
			return err
		}
	}
	_ = conn.Noop()
	return nil
}

func closeConn(conn Conn) error {
	if err := conn.Quit(); err != nil {
		return conn.Close()
	}
	return nil
}

package relay

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/danmuck/ftprelay/internal/protocol/ftp"
	"github.com/danmuck/ftprelay/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Provisioner makes sure remote directories exist.
type Provisioner struct {
	sessions Sessions
	policy   RetryPolicy
	sleep    func(context.Context, time.Duration) error
}

// DefaultProvisionPolicy is three tries per segment with a fixed one second
// pause.
func DefaultProvisionPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries: 3,
		Backoff:  session.BackoffConfig{InitialDelay: time.Second, Multiplier: 1},
	}
}

func NewProvisioner(sessions Sessions, policy RetryPolicy, sleep func(context.Context, time.Duration) error) *Provisioner {
	if sleep == nil {
		sleep = session.Sleep
	}
	return &Provisioner{sessions: sessions, policy: policy, sleep: sleep}
}

// Ensure walks abs segment by segment: enter it, else create it, and after a
// permission-class create failure enter it once more (lost create/exists
// race). The working directory is restored best-effort. The returned
// connection replaces conn when a reconnect happened on the way.
func (p *Provisioner) Ensure(ctx context.Context, conn session.Conn, abs string) (session.Conn, error) {
	clean := path.Clean("/" + strings.Trim(abs, "/"))
	if clean == "/" {
		return conn, nil
	}

	restore, err := conn.CurrentDir()
	if err != nil {
		if ftp.IsConnectionLost(err) {
			if fresh, rerr := p.sessions.Reconnect(ctx); rerr == nil {
				conn = fresh
			} else {
				return conn, &ProvisionError{Path: clean, Attempts: 1, Err: rerr}
			}
		}
		restore = "/"
	}

	prefix := ""
	for _, segment := range strings.Split(strings.TrimPrefix(clean, "/"), "/") {
		prefix += "/" + segment
		var ok bool
		conn, ok, err = p.ensureSegment(ctx, conn, prefix)
		if !ok {
			_ = conn.ChangeDir(restore)
			return conn, &ProvisionError{Path: prefix, Attempts: p.policy.tries(), Err: err}
		}
	}
	if err := conn.ChangeDir(restore); err != nil {
		log.Debug().Err(err).Str("dir", restore).Msg("relay.Provisioner.Ensure restore failed")
	}
	return conn, nil
}

func (p *Provisioner) ensureSegment(ctx context.Context, conn session.Conn, dir string) (session.Conn, bool, error) {
	var lastErr error
	tries := p.policy.tries()
	for try := 1; try <= tries; try++ {
		if err := ctx.Err(); err != nil {
			return conn, false, err
		}
		err := conn.ChangeDir(dir)
		if err == nil {
			return conn, true, nil
		}
		lastErr = err
		if !ftp.IsConnectionLost(err) {
			err = conn.MakeDir(dir)
			if err == nil {
				log.Info().Str("dir", dir).Msg("relay.Provisioner created remote directory")
				return conn, true, nil
			}
			lastErr = err
			if ftp.IsPermanent(err) {
				if conn.ChangeDir(dir) == nil {
					return conn, true, nil
				}
			}
		}
		if ftp.IsConnectionLost(lastErr) {
			fresh, rerr := p.sessions.Reconnect(ctx)
			if rerr != nil {
				lastErr = rerr
			} else {
				conn = fresh
			}
		}
		log.Warn().Err(lastErr).Str("dir", dir).Int("try", try).Msg("relay.Provisioner segment retry")
		if try < tries {
			if err := p.sleep(ctx, p.policy.Delay(try)); err != nil {
				return conn, false, err
			}
		}
	}
	return conn, false, lastErr
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/danmuck/ftprelay/internal/observability"
	"github.com/danmuck/ftprelay/internal/protocol/ftp"
	"github.com/danmuck/ftprelay/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Relocator moves a remote item between directories without ever leaving it
// in neither place: the origin is deleted only after the destination size
// matches the cached local size.
type Relocator struct {
	sessions    Sessions
	unit        *TransferUnit
	provisioner *Provisioner
}

func NewRelocator(sessions Sessions, unit *TransferUnit, provisioner *Provisioner) *Relocator {
	return &Relocator{sessions: sessions, unit: unit, provisioner: provisioner}
}

// Relocate tries RNFR/RNTO plus a size check, then falls back to storing the
// cached local bytes at destAbs, verifying, and deleting originAbs. A failed
// origin delete after a verified copy still succeeds; the detail names the
// dangling origin.
func (r *Relocator) Relocate(ctx context.Context, conn session.Conn, item *TransferItem, originAbs, destAbs string) (string, error) {
	if !item.Fetched || item.LocalPath == "" {
		return "", fmt.Errorf("relay: relocate %s without a cached local copy", item.Name)
	}

	renameErr := conn.Rename(originAbs, destAbs)
	if renameErr == nil {
		size, err := r.unit.Verify(conn, destAbs, item.Size)
		item.RemoteSize = size
		if err == nil {
			observability.RecordRelocation("rename")
			return "renamed to " + destAbs, nil
		}
		if ftp.IsConnectionLost(err) {
			return "", err
		}
		log.Warn().Err(err).Str("item", item.Name).Msg("relay.Relocator.Relocate rename unverified")
	} else {
		if ftp.IsConnectionLost(renameErr) {
			return "", wrapTransport("RNFR/RNTO "+originAbs, renameErr)
		}
		// An earlier try may have renamed the file before the session dropped.
		size, err := r.unit.Verify(conn, destAbs, item.Size)
		if err == nil {
			item.RemoteSize = size
			return r.settleVerified(conn, item, originAbs, destAbs)
		}
		if ftp.IsConnectionLost(err) {
			return "", err
		}
		log.Info().Err(renameErr).Str("item", item.Name).Msg("relay.Relocator.Relocate rename refused, falling back")
	}

	conn, err := r.ensureDestDir(ctx, conn, path.Dir(destAbs))
	if err != nil {
		return "", err
	}
	if _, err := r.unit.Store(ctx, conn, item.LocalPath, destAbs); err != nil {
		return "", err
	}
	size, err := r.unit.Verify(conn, destAbs, item.Size)
	item.RemoteSize = size
	if err != nil {
		return "", err
	}

	if derr := r.deleteOrigin(conn, originAbs); derr != nil && !r.originGone(conn, originAbs) {
		observability.RecordRelocation("fallback_dangling")
		log.Warn().Err(derr).Str("origin", originAbs).Msg("relay.Relocator.Relocate origin left behind")
		return fmt.Sprintf("copied to %s; origin %s not deleted: %v", destAbs, originAbs, derr), nil
	}
	observability.RecordRelocation("fallback")
	return "copied to " + destAbs, nil
}

// settleVerified finishes an item whose destination already holds the
// expected bytes while the rename itself was refused.
func (r *Relocator) settleVerified(conn session.Conn, item *TransferItem, originAbs, destAbs string) (string, error) {
	if r.originGone(conn, originAbs) {
		observability.RecordRelocation("rename")
		return "already at " + destAbs, nil
	}
	if derr := r.deleteOrigin(conn, originAbs); derr != nil && !r.originGone(conn, originAbs) {
		observability.RecordRelocation("fallback_dangling")
		log.Warn().Err(derr).Str("origin", originAbs).Msg("relay.Relocator.Relocate origin left behind")
		return fmt.Sprintf("found at %s; origin %s not deleted: %v", destAbs, originAbs, derr), nil
	}
	observability.RecordRelocation("rename")
	return "found at " + destAbs, nil
}

// originGone reports whether the server answers 550 for originAbs, meaning
// there is nothing left to clean up.
func (r *Relocator) originGone(conn session.Conn, originAbs string) bool {
	_, err := r.unit.RemoteSize(conn, originAbs)
	var pe *ftp.ProtocolError
	return errors.As(err, &pe) && pe.Code == 550
}

// ensureDestDir enters dir, provisioning it only when entering fails, then
// hands back a live connection.
func (r *Relocator) ensureDestDir(ctx context.Context, conn session.Conn, dir string) (session.Conn, error) {
	if err := conn.ChangeDir(dir); err == nil {
		return conn, nil
	} else if ftp.IsConnectionLost(err) {
		return conn, wrapTransport("CWD "+dir, err)
	}
	if _, err := r.provisioner.Ensure(ctx, conn, dir); err != nil {
		return conn, err
	}
	return r.sessions.Ensure(ctx)
}

// deleteOrigin deletes by absolute path, then by base name from inside the
// origin directory for servers that refuse absolute DELE.
func (r *Relocator) deleteOrigin(conn session.Conn, originAbs string) error {
	err := conn.Delete(originAbs)
	if err == nil {
		return nil
	}
	if !ftp.IsPermanent(err) {
		return err
	}
	dir, base := path.Split(originAbs)
	if cdErr := conn.ChangeDir(dir); cdErr != nil {
		return err
	}
	return conn.Delete(base)
}

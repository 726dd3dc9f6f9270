package relay

import (
	"context"
	"path"

	"github.com/danmuck/ftprelay/internal/localstore"
	"github.com/danmuck/ftprelay/internal/protocol/ftp"
	"github.com/danmuck/ftprelay/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// TransferUnit moves one item's bytes over a data channel. It only ever
// creates files; cleanup of its own partial output is the one exception.
type TransferUnit struct {
	store       *localstore.Store
	downloadDir string
}

func NewTransferUnit(store *localstore.Store, downloadDir string) *TransferUnit {
	return &TransferUnit{store: store, downloadDir: downloadDir}
}

// prepare forces binary mode and reasserts the negotiated protection level;
// some servers drop PROT after idle periods. Failures here are not fatal:
// the transfer itself reports a broken session.
func prepare(conn session.Conn) {
	if err := conn.SetProtection(conn.Protection()); err != nil {
		log.Debug().Err(err).Msg("relay.TransferUnit reassert protection failed")
	}
	if err := conn.SetType(ftp.TypeBinary); err != nil {
		log.Debug().Err(err).Msg("relay.TransferUnit TYPE I failed")
	}
}

// Fetch downloads item.RemotePath to a collision-free local file and caches
// its size. A cached item is never fetched again.
func (u *TransferUnit) Fetch(ctx context.Context, conn session.Conn, item *TransferItem) error {
	if item.Fetched {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	prepare(conn)

	f, localPath, err := u.store.CreateUnique(u.downloadDir, path.Base(item.Name))
	if err != nil {
		return err
	}
	item.LocalPath = localPath

	_, err = conn.Retrieve(item.RemotePath, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		u.discard(item)
		return wrapTransport("RETR "+item.RemotePath, err)
	}

	size, err := u.store.Size(localPath)
	if err != nil {
		u.discard(item)
		return err
	}
	if size <= 0 {
		u.discard(item)
		return &EmptyResultError{Name: item.Name}
	}
	item.Size = size
	item.Fetched = true
	return nil
}

// discard removes this unit's partial output and releases the reserved name.
func (u *TransferUnit) discard(item *TransferItem) {
	if item.LocalPath == "" {
		return
	}
	if err := u.store.Remove(item.LocalPath); err != nil {
		log.Warn().Err(err).Str("path", item.LocalPath).Msg("relay.TransferUnit discard partial failed")
	}
	item.LocalPath = ""
}

// Store uploads localPath to remoteAbs and returns the bytes sent.
func (u *TransferUnit) Store(ctx context.Context, conn session.Conn, localPath, remoteAbs string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prepare(conn)
	f, err := u.store.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := conn.Store(remoteAbs, f)
	if err != nil {
		if ftp.IsPermanent(err) {
			return n, &PermissionError{Op: "STOR", Path: remoteAbs, Err: err}
		}
		return n, wrapTransport("STOR "+remoteAbs, err)
	}
	return n, nil
}

// RemoteSize queries SIZE on the absolute path, then falls back to entering
// the parent directory and querying the base name.
func (u *TransferUnit) RemoteSize(conn session.Conn, remoteAbs string) (int64, error) {
	if err := conn.SetType(ftp.TypeBinary); err != nil {
		log.Debug().Err(err).Msg("relay.TransferUnit TYPE I failed")
	}
	size, err := conn.Size(remoteAbs)
	if err == nil {
		return size, nil
	}
	if ftp.IsConnectionLost(err) {
		return -1, err
	}
	dir, base := path.Split(remoteAbs)
	if dir == "" || base == "" {
		return -1, err
	}
	restore, cwdErr := conn.CurrentDir()
	if cwdErr != nil {
		return -1, err
	}
	if cdErr := conn.ChangeDir(dir); cdErr != nil {
		return -1, err
	}
	defer func() { _ = conn.ChangeDir(restore) }()
	return conn.Size(base)
}

// Verify confirms remoteAbs holds exactly expected bytes.
func (u *TransferUnit) Verify(conn session.Conn, remoteAbs string, expected int64) (int64, error) {
	size, err := u.RemoteSize(conn, remoteAbs)
	if err != nil {
		if ftp.IsConnectionLost(err) {
			return -1, wrapTransport("SIZE "+remoteAbs, err)
		}
		return -1, &SizeMismatchError{Path: remoteAbs, Expected: expected, Actual: -1, Err: err}
	}
	if size != expected {
		return size, &SizeMismatchError{Path: remoteAbs, Expected: expected, Actual: size}
	}
	return size, nil
}

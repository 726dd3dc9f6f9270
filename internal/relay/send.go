package relay

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"github.com/danmuck/ftprelay/internal/archive"
	"github.com/danmuck/ftprelay/internal/localstore"
	"github.com/rs/zerolog/log"
)

// Extractor prepares the to-send folder from dropped archives.
// *archive.Extractor satisfies it.
type Extractor interface {
	ExtractAll(srcDir, destDir string) (archive.Summary, error)
}

var _ Extractor = (*archive.Extractor)(nil)

// SendConfig names the directories of a send run. RemoteDir is absolute;
// the local directories are paths in the local store.
type SendConfig struct {
	DropDir    string
	ToSendDir  string
	SentDir    string
	RemoteDir  string
	Extensions []string
}

// SendPipeline uploads local files, verifies their remote size and retires
// each delivered file into the local sent tree.
type SendPipeline struct {
	cfg         SendConfig
	sessions    Sessions
	store       *localstore.Store
	extractor   Extractor
	unit        *TransferUnit
	provisioner *Provisioner
	coordinator *Coordinator
}

// NewSendPipeline wires a send run. extractor may be nil to skip archive
// handling.
func NewSendPipeline(cfg SendConfig, sessions Sessions, store *localstore.Store, extractor Extractor, unit *TransferUnit, provisioner *Provisioner, coordinator *Coordinator) *SendPipeline {
	return &SendPipeline{
		cfg:         cfg,
		sessions:    sessions,
		store:       store,
		extractor:   extractor,
		unit:        unit,
		provisioner: provisioner,
		coordinator: coordinator,
	}
}

// Run extracts pending archives, collects the files to send and hands them
// to the coordinator. No connection is opened when there is nothing to send.
func (p *SendPipeline) Run(ctx context.Context) *RunResult {
	res := NewRunResult(DirectionSend, p.coordinator.cfg.Policy)

	if p.extractor != nil && p.cfg.DropDir != "" {
		sum, err := p.extractor.ExtractAll(p.cfg.DropDir, p.cfg.ToSendDir)
		if err != nil {
			log.Error().Err(err).Str("drop", p.cfg.DropDir).Msg("relay.SendPipeline.Run extraction failed")
		} else if sum.Archives > 0 {
			log.Info().
				Int("archives", sum.Archives).
				Int("files", len(sum.Files)).
				Int("failed", len(sum.Failed)).
				Bool("cleared", sum.Cleared).
				Msg("relay.SendPipeline.Run extracted")
		}
	}

	files, err := p.store.Walk(p.cfg.ToSendDir, p.cfg.Extensions...)
	if err != nil {
		return p.fail(res, err)
	}
	if len(files) == 0 {
		log.Info().Str("dir", p.cfg.ToSendDir).Msg("relay.SendPipeline.Run nothing to send")
		return p.coordinator.Run(ctx, res, nil, Job{Op: p.send})
	}

	conn, err := p.sessions.Ensure(ctx)
	if err != nil {
		return p.fail(res, err)
	}
	if _, err := p.provisioner.Ensure(ctx, conn, p.cfg.RemoteDir); err != nil {
		return p.fail(res, err)
	}

	items := make([]*TransferItem, 0, len(files))
	for _, file := range files {
		rel, err := filepath.Rel(p.cfg.ToSendDir, file)
		if err != nil {
			rel = filepath.Base(file)
		}
		item := NewItem(file, filepath.Base(file))
		item.LocalPath = file
		item.RelPath = rel
		item.RemotePath = path.Join(p.cfg.RemoteDir, item.Name)
		items = append(items, item)
	}
	log.Info().
		Str("local", p.cfg.ToSendDir).
		Str("remote", p.cfg.RemoteDir).
		Int("candidates", len(items)).
		Msg("relay.SendPipeline.Run collected")
	return p.coordinator.Run(ctx, res, items, Job{Op: p.send, Settle: p.retire})
}

// send uploads one file and checks the remote size. A mismatched remote copy
// is deleted before the next try.
func (p *SendPipeline) send(ctx context.Context, conn Conn, item *TransferItem) (string, error) {
	ok, err := p.store.Exists(item.LocalPath)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &SkipError{Reason: "local file missing: " + item.LocalPath}
	}
	if !item.Fetched {
		size, err := p.store.Size(item.LocalPath)
		if err != nil {
			return "", err
		}
		item.Size = size
		item.Fetched = true
	}

	if _, err := p.unit.Store(ctx, conn, item.LocalPath, item.RemotePath); err != nil {
		return "", err
	}
	size, err := p.unit.Verify(conn, item.RemotePath, item.Size)
	item.RemoteSize = size
	if err != nil {
		var mismatch *SizeMismatchError
		if errors.As(err, &mismatch) && mismatch.Actual >= 0 {
			if derr := conn.Delete(item.RemotePath); derr != nil {
				log.Warn().Err(derr).Str("remote", item.RemotePath).Msg("relay.SendPipeline mismatched copy not deleted")
			}
		}
		return "", err
	}
	return fmt.Sprintf("stored %s (%d bytes)", item.RemotePath, size), nil
}

// retire moves a delivered file under the sent root, keeping its relative
// path. A failed move leaves the file for the next run; the remote copy is
// already verified.
func (p *SendPipeline) retire(item *TransferItem) string {
	dest, err := p.store.MoveUnder(item.LocalPath, p.cfg.ToSendDir, p.cfg.SentDir)
	if err != nil {
		log.Warn().Err(err).Str("file", item.LocalPath).Msg("relay.SendPipeline local move failed")
		return "local move failed: " + err.Error()
	}
	item.LocalPath = dest
	return "moved to " + dest
}

func (p *SendPipeline) fail(res *RunResult, err error) *RunResult {
	log.Error().Err(err).Str("run", res.ID).Msg("relay.SendPipeline.Run setup failed")
	return p.coordinator.Abandon(res, err)
}

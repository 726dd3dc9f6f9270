package relay

import (
	"context"
	"fmt"
	"path"

	"github.com/danmuck/ftprelay/internal/enumerate"
	"github.com/rs/zerolog/log"
)

const (
	DirectionReceive = "receive"
	DirectionSend    = "send"
)

// Lister produces the candidate names of the current remote directory.
// enumerate.Lister satisfies it.
type Lister interface {
	List(ctx context.Context, conn enumerate.Conn) ([]string, error)
}

var _ Lister = enumerate.Lister{}

// ReceiveConfig names the directories of a receive run. Remote paths are
// absolute.
type ReceiveConfig struct {
	OriginDir   string
	SentDir     string
	DownloadDir string
}

// ReceivePipeline downloads candidates from the remote origin directory and
// retires each one into the remote sent directory.
type ReceivePipeline struct {
	cfg         ReceiveConfig
	sessions    Sessions
	lister      Lister
	unit        *TransferUnit
	provisioner *Provisioner
	relocator   *Relocator
	coordinator *Coordinator
}

func NewReceivePipeline(cfg ReceiveConfig, sessions Sessions, lister Lister, unit *TransferUnit, provisioner *Provisioner, coordinator *Coordinator) *ReceivePipeline {
	return &ReceivePipeline{
		cfg:         cfg,
		sessions:    sessions,
		lister:      lister,
		unit:        unit,
		provisioner: provisioner,
		relocator:   NewRelocator(sessions, unit, provisioner),
		coordinator: coordinator,
	}
}

// Run connects, provisions the sent directory, lists the origin and hands
// the candidates to the coordinator. Setup failures end the run with no
// records.
func (p *ReceivePipeline) Run(ctx context.Context) *RunResult {
	res := NewRunResult(DirectionReceive, p.coordinator.cfg.Policy)

	conn, err := p.sessions.Ensure(ctx)
	if err != nil {
		return p.fail(res, err)
	}
	conn, err = p.provisioner.Ensure(ctx, conn, p.cfg.SentDir)
	if err != nil {
		return p.fail(res, err)
	}
	if err := conn.ChangeDir(p.cfg.OriginDir); err != nil {
		return p.fail(res, fmt.Errorf("relay: enter origin %s: %w", p.cfg.OriginDir, err))
	}
	names, err := p.lister.List(ctx, conn)
	if err != nil {
		return p.fail(res, fmt.Errorf("relay: list %s: %w", p.cfg.OriginDir, err))
	}
	log.Info().
		Str("origin", p.cfg.OriginDir).
		Str("sent", p.cfg.SentDir).
		Int("candidates", len(names)).
		Msg("relay.ReceivePipeline.Run listed")

	items := make([]*TransferItem, 0, len(names))
	for _, name := range names {
		remote := path.Join(p.cfg.OriginDir, name)
		item := NewItem(remote, name)
		item.RemotePath = remote
		items = append(items, item)
	}
	return p.coordinator.Run(ctx, res, items, Job{Op: p.receive})
}

// receive fetches once and relocates; retries reuse the cached bytes.
func (p *ReceivePipeline) receive(ctx context.Context, conn Conn, item *TransferItem) (string, error) {
	if err := p.unit.Fetch(ctx, conn, item); err != nil {
		return "", err
	}
	return p.relocator.Relocate(ctx, conn, item, item.RemotePath, path.Join(p.cfg.SentDir, item.Name))
}

func (p *ReceivePipeline) fail(res *RunResult, err error) *RunResult {
	log.Error().Err(err).Str("run", res.ID).Msg("relay.ReceivePipeline.Run setup failed")
	return p.coordinator.Abandon(res, err)
}

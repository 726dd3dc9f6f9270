package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/ftprelay/internal/archive"
	"github.com/danmuck/ftprelay/internal/config"
	"github.com/danmuck/ftprelay/internal/localstore"
	"github.com/danmuck/ftprelay/internal/logging"
	"github.com/danmuck/ftprelay/internal/protocol/ftp"
	"github.com/danmuck/ftprelay/internal/protocol/session"
	"github.com/danmuck/ftprelay/internal/relay"
	"github.com/danmuck/ftprelay/internal/report"
	"github.com/danmuck/ftprelay/internal/statusd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newDirectionCmd(opts *options, direction, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   direction,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			every, err := config.RepeatInterval(opts.every)
			if err != nil {
				return err
			}
			logging.ConfigureWith(cfg.Logging(logging.ProfileRuntime))

			r, err := buildRunner(cfg, direction, localstore.NewOS())
			if err != nil {
				return err
			}
			defer r.close()

			status, err := serve(cmd.Context(), cfg, r, every, cmd.OutOrStdout())
			if err != nil {
				return &exitError{code: exitFailure, err: err}
			}
			if code := statusExit(status); code != exitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.policy, "policy", "", "batch policy override: strict or requeue")
	flags.StringVar(&opts.every, "every", "", "repeat the run at this interval (e.g. 5m) until interrupted")
	flags.StringVar(&opts.statusAddr, "status-addr", "", "serve /health, /metrics and /runs on this address while running")
	return cmd
}

// runner is one direction wired against one session manager.
type runner struct {
	direction string
	manager   *session.Manager
	ledger    *relay.Ledger
	reports   *report.Writer
	run       func(context.Context) *relay.RunResult
}

func buildRunner(cfg config.Config, direction string, store *localstore.Store) (*runner, error) {
	sessCfg, err := cfg.ReceiveSession()
	if direction == relay.DirectionSend {
		sessCfg, err = cfg.SendSession()
	}
	if err != nil {
		return nil, err
	}
	dialer, err := session.NewFTPDialer(sessCfg, ftp.DefaultStrategy{})
	if err != nil {
		return nil, err
	}
	batch, err := cfg.RelayBatch()
	if err != nil {
		return nil, err
	}

	manager := session.NewManager(sessCfg, dialer)
	ledger := relay.NewLedger()
	engine := relay.NewEngine(manager, cfg.RetryPolicy(), direction)
	provisioner := relay.NewProvisioner(manager, cfg.ProvisionPolicy(), nil)
	coordinator := relay.NewCoordinator(batch, engine, manager, ledger)

	r := &runner{direction: direction, manager: manager, ledger: ledger}
	if cfg.Report.Enabled {
		format, err := report.ParseFormat(cfg.Report.Format)
		if err != nil {
			return nil, err
		}
		r.reports = report.NewWriter(store, cfg.Report.Dir, format)
	}

	switch direction {
	case relay.DirectionReceive:
		unit := relay.NewTransferUnit(store, cfg.Receive.DownloadDir)
		pipeline := relay.NewReceivePipeline(cfg.RelayReceive(), manager, cfg.Lister(), unit, provisioner, coordinator)
		r.run = pipeline.Run
	case relay.DirectionSend:
		unit := relay.NewTransferUnit(store, cfg.Send.ToSendDir)
		var extractor relay.Extractor
		if cfg.Send.Extract {
			extractor = archive.NewExtractor(store, cfg.Send.Extensions)
		}
		pipeline := relay.NewSendPipeline(cfg.RelaySend(), manager, store, extractor, unit, provisioner, coordinator)
		r.run = pipeline.Run
	default:
		return nil, fmt.Errorf("unknown direction %q", direction)
	}
	return r, nil
}

// once runs a single batch, writes its report and returns the verdict.
func (r *runner) once(ctx context.Context, out io.Writer) relay.RunStatus {
	res := r.run(ctx)
	status := res.Status()
	if r.reports != nil {
		if path, err := r.reports.Write(res); err != nil {
			log.Error().Err(err).Str("run", res.ID).Msg("relayctl report write failed")
		} else {
			log.Info().Str("run", res.ID).Str("path", path).Msg("relayctl report written")
		}
	}
	c := res.Counts()
	fmt.Fprintf(out, "%s %s: %s (delivered %d, failed %d, skipped %d, not attempted %d)\n",
		r.direction, res.ID, status, c.Delivered, c.Failed, c.Skipped, c.NotAttempted)
	if res.Error != "" {
		fmt.Fprintf(out, "%s %s: %s\n", r.direction, res.ID, res.Error)
	}
	return status
}

func (r *runner) close() {
	if err := r.manager.Close(); err != nil {
		log.Debug().Err(err).Msg("relayctl session close")
	}
}

// serve runs the batch once, or every interval until ctx ends, next to the
// optional status server. The last run's verdict decides the exit code.
func serve(ctx context.Context, cfg config.Config, r *runner, every time.Duration, out io.Writer) (relay.RunStatus, error) {
	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopStatus := context.WithCancel(gctx)
	defer stopStatus()

	if cfg.Status.Addr != "" {
		srv := statusd.New(cfg.Status.Addr, cfg.Status.CorsOrigins, r.ledger)
		srv.SetReady(true)
		g.Go(func() error {
			return srv.Run(loopCtx)
		})
	}

	status := relay.RunNothingToDo
	g.Go(func() error {
		defer stopStatus()
		for {
			status = r.once(loopCtx, out)
			if every <= 0 {
				return nil
			}
			log.Info().Dur("every", every).Str("last", string(status)).Msg("relayctl waiting for next run")
			if err := session.Sleep(loopCtx, every); err != nil {
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		return relay.RunFailure, err
	}
	return status, nil
}

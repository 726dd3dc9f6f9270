package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/ftprelay/internal/observability"
	"github.com/rs/zerolog/log"
)

var ErrUnknownPolicy = errors.New("relay: unknown batch policy")

// ParsePolicy accepts "strict" and "requeue".
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case PolicyStrict:
		return PolicyStrict, nil
	case PolicyRequeue:
		return PolicyRequeue, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, raw)
	}
}

// BatchConfig parameterizes the coordinator.
type BatchConfig struct {
	Policy Policy
	// PassSize is the number of items dequeued per Requeue pass.
	PassSize int
	// RequeueCap bounds an item's attempts across all passes. Zero means
	// one engine budget (no requeue).
	RequeueCap int
	// RequeueMaxElapsed stops requeueing an item once this much time has
	// passed since its first attempt. Zero disables the limit.
	RequeueMaxElapsed time.Duration
	// LogEvery emits an info line every N processed items; others log at
	// debug.
	LogEvery int
}

// Job is the per-item work a pipeline hands to the coordinator.
type Job struct {
	Op Operation
	// Settle runs once after an item is delivered and returns extra record
	// detail. It is not retried.
	Settle func(item *TransferItem) string
}

// Coordinator drives items through the engine under one policy.
type Coordinator struct {
	cfg      BatchConfig
	engine   *Engine
	sessions Sessions
	ledger   *Ledger
	now      func() time.Time
}

func NewCoordinator(cfg BatchConfig, engine *Engine, sessions Sessions, ledger *Ledger) *Coordinator {
	if ledger == nil {
		ledger = NewLedger()
	}
	return &Coordinator{
		cfg:      cfg,
		engine:   engine,
		sessions: sessions,
		ledger:   ledger,
		now:      time.Now,
	}
}

func (c *Coordinator) Ledger() *Ledger {
	return c.ledger
}

// Run processes items in order and fills res. Strict ends Succeeded or
// Aborted; Requeue ends Drained.
func (c *Coordinator) Run(ctx context.Context, res *RunResult, items []*TransferItem, job Job) *RunResult {
	res.Policy = c.cfg.Policy
	res.Candidates = len(items)
	res.State = StateRunning
	c.ledger.Reset()

	switch c.cfg.Policy {
	case PolicyRequeue:
		c.runRequeue(ctx, res, items, job)
	default:
		c.runStrict(ctx, res, items, job)
	}

	res.FinishedAt = c.now()
	counts := res.Counts()
	observability.RecordRun(res.Direction, string(res.Policy), string(res.State))
	log.Info().
		Str("run", res.ID).
		Str("policy", string(res.Policy)).
		Str("state", string(res.State)).
		Int("delivered", counts.Delivered).
		Int("failed", counts.Failed).
		Int("skipped", counts.Skipped).
		Int("not_attempted", counts.NotAttempted).
		Int("passes", res.Passes).
		Msg("relay.Coordinator.Run finished")
	c.ledger.Finish(res)
	return res
}

// Abandon closes a run whose setup failed before any item was attempted.
func (c *Coordinator) Abandon(res *RunResult, err error) *RunResult {
	res.Policy = c.cfg.Policy
	res.Fail(err)
	observability.RecordRun(res.Direction, string(res.Policy), string(res.State))
	c.ledger.Finish(res)
	return res
}

func (c *Coordinator) runStrict(ctx context.Context, res *RunResult, items []*TransferItem, job Job) {
	res.Passes = 1
	for i, item := range items {
		if ctx.Err() != nil {
			res.State = StateInterrupted
			res.NotAttempted = names(items[i:])
			return
		}
		out := c.engine.Attempt(ctx, item, 0, job.Op)
		c.emit(res, item, out, job)
		if out.Kind == OutcomePermanent {
			res.State = StateAborted
			res.NotAttempted = names(items[i+1:])
			log.Error().
				Err(out.Err).
				Str("item", item.Name).
				Int("attempts", item.Attempts).
				Int("remaining", len(items)-i-1).
				Msg("relay.Coordinator strict abort")
			return
		}
		c.pace(ctx, i+1, len(items))
	}
	res.State = StateSucceeded
}

func (c *Coordinator) runRequeue(ctx context.Context, res *RunResult, items []*TransferItem, job Job) {
	passSize := c.cfg.PassSize
	if passSize <= 0 {
		passSize = len(items)
	}
	capacity := c.cfg.RequeueCap
	if capacity <= 0 {
		capacity = c.engine.MaxTries()
	}

	queue := append([]*TransferItem(nil), items...)
	processed := 0
	for len(queue) > 0 {
		n := min(passSize, len(queue))
		pass := queue[:n]
		queue = queue[n:]
		res.Passes++
		log.Info().Int("pass", res.Passes).Int("items", n).Int("queued", len(queue)).Msg("relay.Coordinator requeue pass")

		for i, item := range pass {
			if ctx.Err() != nil {
				res.State = StateInterrupted
				rest := append(append([]*TransferItem(nil), pass[i:]...), queue...)
				res.NotAttempted = names(rest)
				return
			}
			budget := min(c.engine.MaxTries(), capacity-item.Attempts)
			out := c.requeueVerdict(item, c.engine.Attempt(ctx, item, budget, job.Op), capacity)
			processed++
			if out.Kind == OutcomeTransient {
				queue = append(queue, item)
				c.ledger.Upsert(PendingItem{
					ID:           item.ID,
					Name:         item.Name,
					Attempts:     item.Attempts,
					Pass:         res.Passes,
					QueuedAt:     c.now(),
					FirstAttempt: item.FirstAttemptAt,
					LastError:    item.LastError,
					Outcome:      out.Kind,
				})
				log.Info().Str("item", item.Name).Int("attempts", item.Attempts).Int("cap", capacity).Msg("relay.Coordinator requeued")
			} else {
				c.ledger.Remove(item.ID)
				c.emit(res, item, out, job)
			}
			c.pace(ctx, processed, len(items))
		}
	}
	res.State = StateDrained
}

// requeueVerdict turns an exhausted outcome into a transient one while the
// item is still under its cap.
func (c *Coordinator) requeueVerdict(item *TransferItem, out AttemptOutcome, capacity int) AttemptOutcome {
	if out.Kind == OutcomePermanent && out.Exhausted && c.underCap(item, capacity) {
		out.Kind = OutcomeTransient
	}
	return out
}

func (c *Coordinator) underCap(item *TransferItem, capacity int) bool {
	if item.Attempts >= capacity {
		return false
	}
	if c.cfg.RequeueMaxElapsed > 0 && !item.FirstAttemptAt.IsZero() {
		if c.now().Sub(item.FirstAttemptAt) >= c.cfg.RequeueMaxElapsed {
			return false
		}
	}
	return true
}

func (c *Coordinator) emit(res *RunResult, item *TransferItem, out AttemptOutcome, job Job) {
	detail := out.Detail
	if out.Kind == OutcomeSuccess && job.Settle != nil {
		if extra := job.Settle(item); extra != "" {
			detail = strings.Trim(detail+" | "+extra, " |")
		}
	}
	if out.Kind == OutcomePermanent && out.Exhausted {
		detail = fmt.Sprintf("failed after %d attempt(s): %s", item.Attempts, detail)
	}
	rec := recordFor(item, out, detail)
	res.Records = append(res.Records, rec)
	observability.RecordItem(res.Direction, string(rec.Status), rec.Duration)

	event := log.Debug()
	if out.Kind != OutcomeSuccess {
		event = log.Warn()
	} else if c.cfg.LogEvery > 0 && len(res.Records)%c.cfg.LogEvery == 0 {
		event = log.Info()
	}
	event.
		Str("item", rec.Name).
		Str("status", string(rec.Status)).
		Int("attempts", rec.Attempts).
		Int64("local_size", rec.LocalSize).
		Int64("remote_size", rec.RemoteSize).
		Str("detail", rec.Detail).
		Msg(fmt.Sprintf("relay.Coordinator %d/%d", len(res.Records), res.Candidates))
}

// pace runs keepalive and periodic recycling between items. Failures are
// logged only; the next Ensure reconnects.
func (c *Coordinator) pace(ctx context.Context, processed, total int) {
	if c.sessions == nil || processed >= total {
		return
	}
	if err := c.sessions.Recycle(ctx, processed); err != nil {
		log.Warn().Err(err).Int("processed", processed).Msg("relay.Coordinator recycle failed")
	}
	if err := c.sessions.Keepalive(ctx); err != nil {
		log.Warn().Err(err).Msg("relay.Coordinator keepalive failed")
	}
}

func names(items []*TransferItem) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Name)
	}
	return out
}

package relay

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/ftprelay/internal/observability"
	"github.com/danmuck/ftprelay/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds tries and spaces them. It drives both per-item attempts
// and per-segment directory provisioning.
type RetryPolicy struct {
	MaxTries int
	Backoff  session.BackoffConfig
}

// DefaultRetryPolicy doubles from one second, three tries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries: 3,
		Backoff: session.BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     time.Minute,
		},
	}
}

func (p RetryPolicy) tries() int {
	if p.MaxTries <= 0 {
		return 1
	}
	return p.MaxTries
}

// Delay is the pause after failed try number `try` (1-based).
func (p RetryPolicy) Delay(try int) time.Duration {
	return session.NextBackoffDelay(p.Backoff, try, nil)
}

// Operation is one try of an item's work against a live connection.
type Operation func(ctx context.Context, conn session.Conn, item *TransferItem) (string, error)

// Engine runs operations with bounded tries, backoff and reconnects.
type Engine struct {
	sessions  Sessions
	policy    RetryPolicy
	direction string
	sleep     func(context.Context, time.Duration) error
	now       func() time.Time
}

type EngineOption func(*Engine)

func WithEngineSleep(sleep func(context.Context, time.Duration) error) EngineOption {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(sessions Sessions, policy RetryPolicy, direction string, opts ...EngineOption) *Engine {
	e := &Engine{
		sessions:  sessions,
		policy:    policy,
		direction: direction,
		sleep:     session.Sleep,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) MaxTries() int {
	return e.policy.tries()
}

// Attempt runs op up to budget times (MaxTries when budget <= 0). Every try
// counts against item.Attempts. Running out of tries yields a permanent
// outcome carrying the last error.
func (e *Engine) Attempt(ctx context.Context, item *TransferItem, budget int, op Operation) AttemptOutcome {
	if budget <= 0 || budget > e.policy.tries() {
		budget = e.policy.tries()
	}
	var lastErr error
	for try := 1; try <= budget; try++ {
		if err := ctx.Err(); err != nil {
			return AttemptOutcome{Kind: OutcomePermanent, Err: err, Detail: err.Error()}
		}
		item.Attempts++
		if item.FirstAttemptAt.IsZero() {
			item.FirstAttemptAt = e.now()
		}

		conn, err := e.sessions.Ensure(ctx)
		var detail string
		if err == nil {
			detail, err = op(ctx, conn, item)
			if err == nil {
				item.LastError = ""
				return AttemptOutcome{Kind: OutcomeSuccess, Detail: detail}
			}
		}

		verdict := Classify(err)
		switch verdict.Class {
		case ClassSkip:
			var skip *SkipError
			reason := err.Error()
			if errors.As(err, &skip) {
				reason = skip.Reason
			}
			return AttemptOutcome{Kind: OutcomeSkipped, Err: err, Detail: reason}
		case ClassCanceled:
			return AttemptOutcome{Kind: OutcomePermanent, Err: err, Detail: err.Error()}
		}

		lastErr = err
		item.LastError = err.Error()
		observability.RecordRetry(e.direction, verdict.Kind)
		log.Warn().
			Err(err).
			Str("item", item.Name).
			Int("try", try).
			Int("budget", budget).
			Int("attempts", item.Attempts).
			Str("class", verdict.Kind).
			Msg("relay.Engine.Attempt failed")

		if verdict.Reconnect {
			if _, rerr := e.sessions.Reconnect(ctx); rerr != nil {
				log.Warn().Err(rerr).Str("item", item.Name).Msg("relay.Engine.Attempt reconnect failed")
			}
		}
		if try < budget {
			if err := e.sleep(ctx, e.policy.Delay(try)); err != nil {
				return AttemptOutcome{Kind: OutcomePermanent, Err: err, Detail: err.Error()}
			}
		}
	}
	return AttemptOutcome{
		Kind:      OutcomePermanent,
		Err:       lastErr,
		Detail:    lastErr.Error(),
		Exhausted: true,
	}
}

// Package closure implements the Trade Closure Listener: the single
// path every closed position and reconciled broker fill must pass
// through before a trade is considered recorded. It persists the
// trade idempotently by ticket, folds the result into the Risk
// Manager's lockdown ledger, and triggers the Edge Tuner either every
// N closed trades or immediately on lockdown.
package closure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

// store is the subset of persistence.Store the listener needs.
type store interface {
	SaveClosedTrade(ctx context.Context, ev domain.ClosedTradeEvent, strategy string) (inserted bool, err error)
}

// riskRecorder is the subset of risk.Manager the listener drives.
type riskRecorder interface {
	RecordTradeResult(ctx context.Context, outcome domain.TradeResult, pnl decimal.Decimal) error
	IsLockdown(ctx context.Context) (bool, error)
}

// tuner is satisfied by edgetuner.Tuner.
type tuner interface {
	Tune(ctx context.Context, trigger string) error
}

// Config tunes retry and tuning cadence.
type Config struct {
	// RetryDelays is the backoff schedule between retries of a failed
	// persistence or risk-ledger write. Three delays means three
	// retries beyond the first attempt.
	RetryDelays []time.Duration
	// TuneEveryN triggers an Edge Tuner run after this many closed
	// trades have been processed, independent of lockdown.
	TuneEveryN int
}

// DefaultConfig matches spec.md's 0.5s/1.0s/1.5s retry ladder and
// every-5-trades tuning cadence.
func DefaultConfig() Config {
	return Config{
		RetryDelays: []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond},
		TuneEveryN:  5,
	}
}

// Listener is the Trade Closure Listener.
type Listener struct {
	logger *zap.Logger
	store  store
	risk   riskRecorder
	tuner  tuner
	cfg    Config

	mu        sync.Mutex
	sinceTune int
}

// New constructs a Listener. tuner may be nil, in which case tuning
// triggers are skipped entirely (useful for tests and for a process
// running without the Edge Tuner wired).
func New(logger *zap.Logger, st store, risk riskRecorder, t tuner, cfg Config) *Listener {
	return &Listener{
		logger: logger.Named("closure-listener"),
		store:  st,
		risk:   risk,
		tuner:  t,
		cfg:    cfg,
	}
}

// HandleClosed is handle_trade_closed: idempotent by ticket, so a
// broker reconciliation redelivering the same close event is always
// safe to call again. A duplicate delivery short-circuits before
// touching the risk ledger or the tuning counter.
func (l *Listener) HandleClosed(ctx context.Context, ev domain.ClosedTradeEvent, strategy string) error {
	var inserted bool
	err := l.withRetry(ctx, "save_closed_trade", func() error {
		var saveErr error
		inserted, saveErr = l.store.SaveClosedTrade(ctx, ev, strategy)
		return saveErr
	})
	if err != nil {
		return fmt.Errorf("closure: persist %s: %w", ev.Ticket, err)
	}
	if !inserted {
		l.logger.Info("duplicate trade close ignored", zap.String("ticket", ev.Ticket))
		return nil
	}

	outcome := outcomeFor(ev)
	if err := l.withRetry(ctx, "record_trade_result", func() error {
		return l.risk.RecordTradeResult(ctx, outcome, ev.PnL)
	}); err != nil {
		return fmt.Errorf("closure: risk ledger %s: %w", ev.Ticket, err)
	}

	return l.maybeTune(ctx)
}

// maybeTune fires the Edge Tuner immediately on an active lockdown,
// or after TuneEveryN trades have accumulated, whichever comes first.
func (l *Listener) maybeTune(ctx context.Context) error {
	if l.tuner == nil {
		return nil
	}

	lockdown, err := l.risk.IsLockdown(ctx)
	if err != nil {
		l.logger.Warn("lockdown check failed, continuing on trade count alone", zap.Error(err))
	}

	l.mu.Lock()
	l.sinceTune++
	dueByCount := l.sinceTune >= l.cfg.TuneEveryN
	if dueByCount {
		l.sinceTune = 0
	}
	l.mu.Unlock()

	if !lockdown && !dueByCount {
		return nil
	}

	trigger := "N_TRADES"
	if lockdown {
		trigger = "LOCKDOWN"
	}
	if err := l.tuner.Tune(ctx, trigger); err != nil {
		return fmt.Errorf("closure: edge tuner run (%s): %w", trigger, err)
	}
	return nil
}

// withRetry runs fn, retrying on the configured backoff schedule if
// it returns an error. The context deadline, if any, is respected
// between attempts.
func (l *Listener) withRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	for attempt, delay := range l.cfg.RetryDelays {
		l.logger.Warn("retrying after failure", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

func outcomeFor(ev domain.ClosedTradeEvent) domain.TradeResult {
	if ev.Result != "" {
		return ev.Result
	}
	switch {
	case ev.PnL.IsPositive():
		return domain.TradeResultWin
	case ev.PnL.IsNegative():
		return domain.TradeResultLoss
	default:
		return domain.TradeResultBreakeven
	}
}

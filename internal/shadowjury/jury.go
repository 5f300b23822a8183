// Package shadowjury decides whether a strategy trades on a symbol for
// real or on paper. A new (strategy, symbol) pairing starts VIRTUAL: it
// generates signals and the Position Manager tracks their hypothetical
// outcome, but the Executor never risks capital on them. The jury
// promotes a pairing to REAL once its virtual track record clears a
// bar, and demotes a REAL pairing back to VIRTUAL the moment it starts
// losing badly. Neither decision touches a signal's entry, stop, or
// target — only the tag the Executor reads to decide whether to act.
package shadowjury

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

// store is the subset of persistence.Store the jury reads closed-trade
// history from.
type store interface {
	RecentTradesByStrategySymbol(ctx context.Context, strategy, symbol string, n int) ([]domain.ClosedTradeEvent, error)
}

// Config tunes promotion and demotion thresholds.
type Config struct {
	WindowSize int

	MinVirtualWinRate      decimal.Decimal
	MinProfitFactor        decimal.Decimal
	ConsecutiveWinsPromote int
	MinConsistencyTrades   int

	MaxDrawdownFraction     decimal.Decimal
	ConsecutiveLossesDemote int
}

// DefaultConfig matches the spec's promotion/demotion bars: virtual win
// rate above 55%, profit factor above 1.5, and either five straight
// virtual wins or twenty trades of consistency; demotion on a 3%
// symbol drawdown or three straight real losses.
func DefaultConfig() Config {
	return Config{
		WindowSize:              30,
		MinVirtualWinRate:       decimal.NewFromFloat(0.55),
		MinProfitFactor:         decimal.NewFromFloat(1.5),
		ConsecutiveWinsPromote:  5,
		MinConsistencyTrades:    20,
		MaxDrawdownFraction:     decimal.NewFromFloat(0.03),
		ConsecutiveLossesDemote: 3,
	}
}

// Jury evaluates the REAL/VIRTUAL tag for a (strategy, symbol) pair
// from its recent closed-trade history. It holds no mutable state of
// its own: every evaluation is a pure function of what Persistence
// already recorded, so a process restart cannot lose or duplicate a
// promotion decision.
type Jury struct {
	logger *zap.Logger
	store  store
	cfg    Config
}

// New constructs a Jury.
func New(logger *zap.Logger, st store, cfg Config) *Jury {
	return &Jury{logger: logger.Named("shadow-jury"), store: st, cfg: cfg}
}

// ModeFor returns the execution mode a newly generated signal for
// (strategy, symbol) should carry. It inspects the pairing's most
// recent REAL trades for a demotion trigger first — a pairing already
// trading for real that is actively losing badly is pulled back to
// paper before anything else is considered — then inspects its VIRTUAL
// trades for a promotion trigger.
func (j *Jury) ModeFor(ctx context.Context, strategy, symbol string) (domain.ExecutionMode, error) {
	trades, err := j.store.RecentTradesByStrategySymbol(ctx, strategy, symbol, j.cfg.WindowSize)
	if err != nil {
		return "", fmt.Errorf("shadowjury: mode for %s/%s: %w", strategy, symbol, err)
	}

	real := filterByMode(trades, domain.ExecutionModeReal)
	if len(real) > 0 && j.shouldDemote(real) {
		j.logger.Info("demoting pairing to virtual",
			zap.String("strategy", strategy), zap.String("symbol", symbol))
		return domain.ExecutionModeVirtual, nil
	}
	if len(real) > 0 {
		// Already trading for real and not demoted: stay REAL.
		return domain.ExecutionModeReal, nil
	}

	virtual := filterByMode(trades, domain.ExecutionModeVirtual)
	if j.shouldPromote(virtual) {
		j.logger.Info("promoting pairing to real",
			zap.String("strategy", strategy), zap.String("symbol", symbol))
		return domain.ExecutionModeReal, nil
	}
	return domain.ExecutionModeVirtual, nil
}

// shouldPromote reports whether a virtual track record clears the
// promotion bar: win rate above the threshold and profit factor above
// the threshold, combined with either a current streak of consecutive
// wins or enough trades to call the record consistent.
func (j *Jury) shouldPromote(trades []domain.ClosedTradeEvent) bool {
	if len(trades) == 0 {
		return false
	}

	winRate := winRate(trades)
	pf := profitFactor(trades)
	if winRate.LessThan(j.cfg.MinVirtualWinRate) || pf.LessThan(j.cfg.MinProfitFactor) {
		return false
	}

	streak := consecutiveWins(trades)
	consistent := len(trades) >= j.cfg.MinConsistencyTrades
	return streak >= j.cfg.ConsecutiveWinsPromote || consistent
}

// shouldDemote reports whether a real track record breaches the
// demotion bar: a drawdown on the symbol beyond the configured
// fraction of cumulative profit, or three (configurable) consecutive
// losses.
func (j *Jury) shouldDemote(trades []domain.ClosedTradeEvent) bool {
	if consecutiveLosses(trades) >= j.cfg.ConsecutiveLossesDemote {
		return true
	}
	return drawdownFraction(trades).GreaterThanOrEqual(j.cfg.MaxDrawdownFraction)
}

func filterByMode(trades []domain.ClosedTradeEvent, mode domain.ExecutionMode) []domain.ClosedTradeEvent {
	out := make([]domain.ClosedTradeEvent, 0, len(trades))
	for _, t := range trades {
		if t.Mode == mode {
			out = append(out, t)
		}
	}
	return out
}

func winRate(trades []domain.ClosedTradeEvent) decimal.Decimal {
	if len(trades) == 0 {
		return decimal.Zero
	}
	wins := 0
	for _, t := range trades {
		if t.Result == domain.TradeResultWin {
			wins++
		}
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(trades))))
}

// profitFactor is gross profit divided by gross loss. A trade set with
// no losses returns a large sentinel rather than dividing by zero.
func profitFactor(trades []domain.ClosedTradeEvent) decimal.Decimal {
	grossProfit, grossLoss := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.PnL.IsPositive() {
			grossProfit = grossProfit.Add(t.PnL)
		} else if t.PnL.IsNegative() {
			grossLoss = grossLoss.Add(t.PnL.Abs())
		}
	}
	if grossLoss.IsZero() {
		if grossProfit.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(1000)
	}
	return grossProfit.Div(grossLoss)
}

// consecutiveWins counts the current win streak at the head of trades,
// which is ordered newest-first.
func consecutiveWins(trades []domain.ClosedTradeEvent) int {
	streak := 0
	for _, t := range trades {
		if t.Result != domain.TradeResultWin {
			break
		}
		streak++
	}
	return streak
}

func consecutiveLosses(trades []domain.ClosedTradeEvent) int {
	streak := 0
	for _, t := range trades {
		if t.Result != domain.TradeResultLoss {
			break
		}
		streak++
	}
	return streak
}

// drawdownFraction replays trades oldest-first and returns the worst
// peak-to-trough drop in cumulative PnL as a fraction of the peak. A
// peak that never turned positive returns zero: there is no profit
// base to draw down against yet.
func drawdownFraction(trades []domain.ClosedTradeEvent) decimal.Decimal {
	cumulative := decimal.Zero
	peak := decimal.Zero
	worst := decimal.Zero
	for i := len(trades) - 1; i >= 0; i-- {
		cumulative = cumulative.Add(trades[i].PnL)
		if cumulative.GreaterThan(peak) {
			peak = cumulative
		}
		if peak.IsPositive() {
			dd := peak.Sub(cumulative).Div(peak)
			if dd.GreaterThan(worst) {
				worst = dd
			}
		}
	}
	return worst
}

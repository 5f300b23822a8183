// Package risk implements the Risk Manager: the final veto on REAL
// signals, the one authoritative position sizing function (see
// sizing.go), and the consecutive-loss lockdown state machine.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
	"github.com/aethelgard/core/internal/errs"
)

// store is the subset of persistence.Store the Risk Manager needs,
// kept as an interface so tests can supply an in-memory fake.
type store interface {
	GetRiskState(ctx context.Context) (*domain.RiskState, error)
	UpdateRiskState(ctx context.Context, rs domain.RiskState) error
}

// Config configures lockdown thresholds and concentration limits. The
// Manager keeps these values as given to New; none of them is a
// DynamicParams field, so a hot-reload does not change them. The
// account-risk cap that CanTakeNewTrade applies is the MaxAccountRiskFrac
// stored in RiskState; the MaxAccountRiskFrac field here is not read.
type Config struct {
	MaxConsecutiveLosses   int
	MaxAccountRiskFrac     decimal.Decimal
	MaxPerSymbolTimeframes int // multi-timeframe concentration cap per symbol
	AutoClearLockdown      bool
}

// Manager is the Risk Manager. Reads and writes to RiskState are
// serialized by mu so a lockdown-triggering close can never race ahead
// of a concurrent new-trade approval, per the spec's concurrency model.
type Manager struct {
	logger *zap.Logger
	store  store
	mu     sync.Mutex
	cfg    Config
}

// NewManager constructs a Risk Manager.
func NewManager(logger *zap.Logger, st store, cfg Config) *Manager {
	return &Manager{logger: logger.Named("risk-manager"), store: st, cfg: cfg}
}

// CanTakeNewTrade is the final veto on a REAL signal. It approves iff
// not in lockdown, the signal's risk plus existing open risk stays
// within the account risk cap, no duplicate open position exists on the
// same (symbol, direction), and multi-timeframe concentration limits on
// the symbol are satisfied.
func (m *Manager) CanTakeNewTrade(ctx context.Context, sig domain.Signal, signalRiskAccount decimal.Decimal, openPositions []domain.Position) (approved bool, reason string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, err := m.store.GetRiskState(ctx)
	if err != nil {
		return false, "", fmt.Errorf("risk: load risk state: %w", err)
	}

	if rs.Lockdown {
		return false, "LOCKDOWN", nil
	}

	openRisk := decimal.Zero
	timeframesForSymbol := 0
	for _, p := range openPositions {
		openRisk = openRisk.Add(p.InitialRisk)
		if p.Symbol == sig.Symbol {
			timeframesForSymbol++
			if p.Direction == sig.Direction {
				return false, "DUPLICATE_POSITION", nil
			}
		}
	}

	accountRiskCap := rs.MaxAccountRiskFrac.Mul(rs.EquitySnapshot)
	if openRisk.Add(signalRiskAccount).GreaterThan(accountRiskCap) {
		return false, "MAX_ACCOUNT_RISK_EXCEEDED", nil
	}

	if m.cfg.MaxPerSymbolTimeframes > 0 && timeframesForSymbol >= m.cfg.MaxPerSymbolTimeframes {
		return false, "CONCENTRATION_LIMIT", nil
	}

	return true, "", nil
}

// RecordTradeResult updates the consecutive-loss counter and lockdown
// flag transactionally with persistence: the read-modify-write happens
// under the same mutex CanTakeNewTrade reads through, so a new approval
// can never race ahead of a lockdown-triggering close.
func (m *Manager) RecordTradeResult(ctx context.Context, outcome domain.TradeResult, pnl decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, err := m.store.GetRiskState(ctx)
	if err != nil {
		return fmt.Errorf("risk: load risk state: %w", err)
	}

	if outcome == domain.TradeResultLoss {
		rs.ConsecutiveLosses++
	} else {
		rs.ConsecutiveLosses = 0
		if m.cfg.AutoClearLockdown {
			rs.Lockdown = false
		}
	}

	if rs.ConsecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		if !rs.Lockdown {
			m.logger.Warn("lockdown engaged",
				zap.Int("consecutive_losses", rs.ConsecutiveLosses),
				zap.Int("threshold", m.cfg.MaxConsecutiveLosses))
		}
		rs.Lockdown = true
	}

	rs.EquitySnapshot = rs.EquitySnapshot.Add(pnl)
	rs.LastTradeOutcome = string(outcome)
	rs.UpdatedAt = time.Now()

	if err := m.store.UpdateRiskState(ctx, *rs); err != nil {
		return fmt.Errorf("risk: persist risk state: %w", err)
	}
	return nil
}

// IsLockdown reports the current lockdown flag without taking the
// write path's serialization lock, for callers (the Trade Closure
// Listener) that only need to decide whether to force an Edge Tuner
// run immediately.
func (m *Manager) IsLockdown(ctx context.Context) (bool, error) {
	rs, err := m.store.GetRiskState(ctx)
	if err != nil {
		return false, fmt.Errorf("risk: load risk state: %w", err)
	}
	return rs.Lockdown, nil
}

// ManualClearLockdown lets an operator reset lockdown explicitly, the
// only exit path when AutoClearLockdown is disabled (the default).
func (m *Manager) ManualClearLockdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, err := m.store.GetRiskState(ctx)
	if err != nil {
		return fmt.Errorf("risk: load risk state: %w", err)
	}
	rs.Lockdown = false
	rs.ConsecutiveLosses = 0
	rs.UpdatedAt = time.Now()
	return m.store.UpdateRiskState(ctx, *rs)
}

// RejectSignal marks a signal REJECTED with a Rejected-by-invariant
// classified reason, matching the spec's "no retry, this is a normal
// outcome" policy for risk vetoes.
func RejectSignal(sig *domain.Signal, reason string) error {
	if err := sig.Advance(domain.SignalStatusRejected, reason); err != nil {
		return errs.RejectedByInvariantSymbol("reject_signal", sig.Symbol, err)
	}
	return nil
}

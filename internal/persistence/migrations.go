package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// schema holds the idempotent DDL for every logical table named in the
// persisted-state contract: asset_profiles, signals, positions,
// risk_state, dynamic_params, coherence_events, plus the supporting
// trade_history and param_tuning_runs tables the Edge Tuner and Shadow
// Jury read back from.
const schema = `
CREATE TABLE IF NOT EXISTS asset_profiles (
	symbol                text PRIMARY KEY,
	class                 text NOT NULL,
	contract_size         numeric NOT NULL,
	tick_size             numeric NOT NULL,
	digits                integer NOT NULL,
	pip_size              numeric NOT NULL,
	freeze_level_distance numeric NOT NULL,
	broker_native_symbol  text NOT NULL
);

CREATE TABLE IF NOT EXISTS signals (
	trace_id          text PRIMARY KEY,
	symbol            text NOT NULL,
	direction         text NOT NULL,
	entry             numeric NOT NULL,
	stop_loss         numeric NOT NULL,
	take_profit       numeric NOT NULL,
	strategy          text NOT NULL,
	timeframe         text NOT NULL,
	generated_at      timestamptz NOT NULL,
	score             numeric NOT NULL,
	regime_at_gen     text NOT NULL,
	execution_mode    text NOT NULL,
	status            text NOT NULL,
	rejection_reason  text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_signals_symbol_status ON signals (symbol, status);

CREATE TABLE IF NOT EXISTS positions (
	ticket_id            text PRIMARY KEY,
	symbol               text NOT NULL,
	direction            text NOT NULL,
	volume               numeric NOT NULL,
	entry_price          numeric NOT NULL,
	current_stop         numeric NOT NULL,
	current_target       numeric NOT NULL,
	open_time            timestamptz NOT NULL,
	last_modified_at     timestamptz NOT NULL,
	modification_count   integer NOT NULL DEFAULT 0,
	modification_day     date NOT NULL,
	entry_regime         text NOT NULL,
	initial_risk         numeric NOT NULL,
	strategy_origin      text NOT NULL,
	orphan_sync          boolean NOT NULL DEFAULT false,
	contested            boolean NOT NULL DEFAULT false,
	contested_until      timestamptz
);

CREATE TABLE IF NOT EXISTS risk_state (
	id                           integer PRIMARY KEY DEFAULT 1,
	equity_snapshot              numeric NOT NULL,
	consecutive_losses           integer NOT NULL DEFAULT 0,
	lockdown                     boolean NOT NULL DEFAULT false,
	per_trade_risk_fraction      numeric NOT NULL,
	max_account_risk_fraction    numeric NOT NULL,
	last_trade_outcome           text NOT NULL DEFAULT '',
	updated_at                   timestamptz NOT NULL,
	CONSTRAINT risk_state_singleton CHECK (id = 1)
);

CREATE TABLE IF NOT EXISTS dynamic_params (
	version                        bigint PRIMARY KEY,
	adx_threshold                  numeric NOT NULL,
	atr_multiplier                 numeric NOT NULL,
	min_score                      numeric NOT NULL,
	per_trade_risk_fraction        numeric NOT NULL,
	regime_weight_keys             text[] NOT NULL,
	regime_weight_values           numeric[] NOT NULL,
	trailing_regime_keys           text[] NOT NULL,
	trailing_atr_multiplier_values numeric[] NOT NULL,
	breakeven_distance_multiplier  numeric NOT NULL,
	created_at                     timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS coherence_events (
	id          bigserial PRIMARY KEY,
	trace_id    text NOT NULL,
	symbol      text NOT NULL,
	strategy    text NOT NULL,
	kind        text NOT NULL,
	detail      text NOT NULL,
	occurred_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_history (
	ticket      text PRIMARY KEY,
	symbol      text NOT NULL,
	entry       numeric NOT NULL,
	exit        numeric NOT NULL,
	entry_time  timestamptz NOT NULL,
	exit_time   timestamptz NOT NULL,
	pips        numeric NOT NULL,
	pnl         numeric NOT NULL,
	result      text NOT NULL,
	exit_reason text NOT NULL,
	broker_id   text NOT NULL,
	signal_id   text NOT NULL DEFAULT '',
	strategy    text NOT NULL DEFAULT '',
	execution_mode text NOT NULL DEFAULT 'REAL',
	entry_regime   text NOT NULL DEFAULT '',
	recorded_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_trade_history_strategy_symbol ON trade_history (strategy, symbol);

CREATE TABLE IF NOT EXISTS param_tuning_runs (
	id           bigserial PRIMARY KEY,
	triggered_by text NOT NULL,
	trade_count  integer NOT NULL,
	old_version  bigint NOT NULL,
	new_version  bigint NOT NULL,
	ran_at       timestamptz NOT NULL DEFAULT now()
);
`

// migrate applies schema inside a single transaction. All DDL is
// CREATE-IF-NOT-EXISTS, so re-running on an already-migrated database is
// a no-op.
func (s *Store) migrate(ctx context.Context) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, schema); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		return nil
	})
}

package persistence

import (
	"context"
	"fmt"

	"github.com/aethelgard/core/internal/domain"
)

// SaveCoherenceEvent records a detected cross-subsystem disagreement.
func (s *Store) SaveCoherenceEvent(ctx context.Context, ev domain.CoherenceEvent) error {
	const q = `
		INSERT INTO coherence_events (trace_id, symbol, strategy, kind, detail, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.pool.Exec(ctx, q, ev.TraceID, ev.Symbol, ev.Strategy, ev.Kind, ev.Detail, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("persistence: save coherence event: %w", err)
	}
	return nil
}

// RecentCoherenceEvents returns the most recent n events, newest first.
func (s *Store) RecentCoherenceEvents(ctx context.Context, n int) ([]domain.CoherenceEvent, error) {
	const q = `
		SELECT trace_id, symbol, strategy, kind, detail, occurred_at
		FROM coherence_events ORDER BY occurred_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("persistence: recent coherence events: %w", err)
	}
	defer rows.Close()

	var out []domain.CoherenceEvent
	for rows.Next() {
		var ev domain.CoherenceEvent
		if err := rows.Scan(&ev.TraceID, &ev.Symbol, &ev.Strategy, &ev.Kind, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("persistence: scan coherence event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

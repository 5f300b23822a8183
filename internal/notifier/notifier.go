// Package notifier defines the single outbound interface every alert
// a human might need to see flows through. Transports (chat, email,
// SMS) are injected, following the teacher's interface-and-inject
// shape for `ExchangeAdapter`: the core knows only that something can
// be notified, never how. No concrete transport is implemented here.
package notifier

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

// Kind enumerates the events a human-facing transport may care about.
type Kind string

const (
	KindSignalEmitted  Kind = "SIGNAL_EMITTED"
	KindTradeExecuted  Kind = "TRADE_EXECUTED"
	KindTradeClosed    Kind = "TRADE_CLOSED"
	KindLockdown       Kind = "LOCKDOWN"
	KindCoherenceFault Kind = "COHERENCE_FAULT"
	KindHeartbeatLost  Kind = "HEARTBEAT_LOST"
)

// Notification is the payload envelope every transport receives. Payload
// carries the kind-specific body (a domain.Signal, a domain.ClosedTradeEvent,
// a domain.CoherenceEvent, ...); transports that only care about a
// subset of kinds type-switch on it.
type Notification struct {
	Kind      Kind
	Symbol    string
	TraceID   string
	Payload   any
	Timestamp time.Time
}

// Transport delivers one Notification. Implementations must not block
// indefinitely; Notify fans out to every transport and reports the
// combined error, but does not stop one transport's failure from
// reaching the others.
type Transport interface {
	Notify(ctx context.Context, n Notification) error
}

// Notifier fans a single notify(kind, payload) call out to every
// injected transport.
type Notifier struct {
	logger     *zap.Logger
	transports []Transport
}

// New constructs a Notifier over zero or more transports. With no
// transports, Notify is a no-op that still logs at debug level —
// useful for a process running without any chat/email integration
// wired yet.
func New(logger *zap.Logger, transports ...Transport) *Notifier {
	return &Notifier{logger: logger.Named("notifier"), transports: transports}
}

// Notify is notify(kind, payload): it stamps a timestamp, derives
// Symbol/TraceID from known payload shapes when present, and delivers
// to every transport. A transport failure is logged and folded into
// the returned joined error; it never prevents delivery to the rest.
func (n *Notifier) Notify(ctx context.Context, kind Kind, payload any) error {
	note := Notification{
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	note.Symbol, note.TraceID = describe(payload)

	if len(n.transports) == 0 {
		n.logger.Debug("notify with no transports configured", zap.String("kind", string(kind)))
		return nil
	}

	var errs []error
	for _, t := range n.transports {
		if err := t.Notify(ctx, note); err != nil {
			n.logger.Error("transport delivery failed", zap.String("kind", string(kind)), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForwardCoherenceFaults subscribes to a coherence.Monitor so every
// recorded CoherenceEvent is also surfaced as a COHERENCE_FAULT
// notification, matching spec's notifier kind set without the
// Coherence Monitor importing this package directly.
func (n *Notifier) ForwardCoherenceFaults(subscribe func(func(domain.CoherenceEvent))) {
	subscribe(func(ev domain.CoherenceEvent) {
		if err := n.Notify(context.Background(), KindCoherenceFault, ev); err != nil {
			n.logger.Error("failed to forward coherence fault", zap.Error(err))
		}
	})
}

func describe(payload any) (symbol, traceID string) {
	switch p := payload.(type) {
	case domain.Signal:
		return p.Symbol, p.TraceID
	case *domain.Signal:
		return p.Symbol, p.TraceID
	case domain.ClosedTradeEvent:
		return p.Symbol, p.SignalID
	case *domain.ClosedTradeEvent:
		return p.Symbol, p.SignalID
	case domain.CoherenceEvent:
		return p.Symbol, p.TraceID
	case *domain.CoherenceEvent:
		return p.Symbol, p.TraceID
	default:
		return "", ""
	}
}

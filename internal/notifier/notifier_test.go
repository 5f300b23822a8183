package notifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aethelgard/core/internal/domain"
)

type fakeTransport struct {
	received []Notification
	err      error
}

func (f *fakeTransport) Notify(_ context.Context, n Notification) error {
	f.received = append(f.received, n)
	return f.err
}

func TestNotifyFansOutToEveryTransport(t *testing.T) {
	t1, t2 := &fakeTransport{}, &fakeTransport{}
	n := New(zap.NewNop(), t1, t2)

	sig := domain.Signal{Symbol: "EURUSD", TraceID: "trc-1"}
	err := n.Notify(context.Background(), KindSignalEmitted, sig)
	require.NoError(t, err)
	require.Len(t, t1.received, 1)
	require.Len(t, t2.received, 1)
	require.Equal(t, "EURUSD", t1.received[0].Symbol)
	require.Equal(t, "trc-1", t1.received[0].TraceID)
	require.Equal(t, KindSignalEmitted, t1.received[0].Kind)
}

func TestNotifyNoTransportsIsNoOp(t *testing.T) {
	n := New(zap.NewNop())
	require.NoError(t, n.Notify(context.Background(), KindHeartbeatLost, nil))
}

func TestNotifyJoinsTransportErrorsButDeliversToAll(t *testing.T) {
	t1 := &fakeTransport{err: errors.New("chat down")}
	t2 := &fakeTransport{}
	n := New(zap.NewNop(), t1, t2)

	err := n.Notify(context.Background(), KindLockdown, nil)
	require.Error(t, err)
	require.Len(t, t1.received, 1)
	require.Len(t, t2.received, 1)
}

func TestForwardCoherenceFaultsDeliversAsCoherenceFaultKind(t *testing.T) {
	tr := &fakeTransport{}
	n := New(zap.NewNop(), tr)

	var captured func(domain.CoherenceEvent)
	n.ForwardCoherenceFaults(func(sub func(domain.CoherenceEvent)) {
		captured = sub
	})
	require.NotNil(t, captured)

	captured(domain.CoherenceEvent{Symbol: "GBPUSD", Kind: domain.CoherenceModuleMismatch})
	require.Len(t, tr.received, 1)
	require.Equal(t, KindCoherenceFault, tr.received[0].Kind)
	require.Equal(t, "GBPUSD", tr.received[0].Symbol)
}

package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, n interfaces.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

type failingSink struct{}

func (failingSink) Record(context.Context, interfaces.AuditEvent) error {
	return errors.New("sink down")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	rec := &Recorder{}
	notifier := new(MockNotifier)
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n interfaces.Notification) bool {
		return n.Type == interfaces.EventRecoveryInitiated
	})).Return(nil).Once()

	d := NewDispatcher(discardLogger(), 8, []interfaces.AuditSink{failingSink{}, rec}, []interfaces.Notifier{notifier})

	d.Emit(context.Background(), interfaces.AuditEvent{Type: interfaces.EventVaultCreated, ActorID: "alice", Success: true})
	d.Notify(context.Background(), interfaces.Notification{Type: interfaces.EventRecoveryInitiated, Recipients: []string{"bob@example.com"}})
	d.Notify(context.Background(), interfaces.Notification{Type: interfaces.EventRecoveryInitiated})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	events := rec.Events()
	require.Len(t, events, 1, "A failing sink must not stop delivery to the others")
	assert.Equal(t, interfaces.EventVaultCreated, events[0].Type)
	assert.False(t, events[0].At.IsZero(), "Emit should stamp the event time")
	notifier.AssertExpectations(t)
}

func TestDispatcher_EmitNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	slow := new(MockNotifier)
	slow.On("Notify", mock.Anything, mock.Anything).Run(func(mock.Arguments) { <-block }).Return(nil)

	d := NewDispatcher(discardLogger(), 1, nil, []interfaces.Notifier{slow})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Notify(context.Background(), interfaces.Notification{Recipients: []string{"x@example.com"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.Fail(t, "Notify blocked on a full queue")
	}

	close(block)
	require.NoError(t, d.Close(context.Background()))

	// Emitting after close is dropped silently.
	d.Emit(context.Background(), interfaces.AuditEvent{Type: interfaces.EventVaultLocked})
}

package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweeper_RunOnce(t *testing.T) {
	var sessionsRuns, recoveryRuns atomic.Int32
	s := New(time.Minute, discardLogger(),
		Job{Name: "sessions", Run: func(ctx context.Context) (int, error) {
			sessionsRuns.Add(1)
			return 3, nil
		}},
		Job{Name: "recovery", Run: func(ctx context.Context) (int, error) {
			recoveryRuns.Add(1)
			return 0, errors.New("store unavailable")
		}},
		Job{Name: "quorum", Run: func(ctx context.Context) (int, error) {
			return 1, nil
		}},
	)

	counts, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery sweep")
	assert.Equal(t, 3, counts["sessions"])
	assert.Equal(t, 1, counts["quorum"], "A failing job does not stop the others")
	_, ok := counts["recovery"]
	assert.False(t, ok)
	assert.Equal(t, int32(1), sessionsRuns.Load())
	assert.Equal(t, int32(1), recoveryRuns.Load())
}

func TestSweeper_RunUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	s := New(5*time.Millisecond, discardLogger(), Job{Name: "sessions", Run: func(ctx context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

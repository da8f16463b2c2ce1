package scheduler

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navcache/navcache/pkg/errors"
)

var t0 = time.Date(2025, 4, 7, 9, 0, 0, 0, time.UTC)

func TestTickRunsDueJobs(t *testing.T) {
	s := New(DefaultConfig(), Deps{})
	var sweeps, saves int
	var seen []time.Time
	require.NoError(t, s.Register("sweep", time.Minute, func(_ context.Context, now time.Time) error {
		sweeps++
		seen = append(seen, now)
		return nil
	}))
	require.NoError(t, s.Register("save", 5*time.Minute, func(context.Context, time.Time) error {
		saves++
		return nil
	}))

	ctx := context.Background()
	assert.Equal(t, 2, s.Tick(ctx, t0))
	assert.Equal(t, 0, s.Tick(ctx, t0.Add(30*time.Second)))
	assert.Equal(t, 1, s.Tick(ctx, t0.Add(time.Minute)))
	assert.Equal(t, 2, s.Tick(ctx, t0.Add(6*time.Minute)))

	assert.Equal(t, 3, sweeps)
	assert.Equal(t, 2, saves)
	assert.Equal(t, t0.Add(time.Minute), seen[1])
}

func TestFailingJobIsRecordedAndOthersRun(t *testing.T) {
	s := New(DefaultConfig(), Deps{})
	boom := stderrors.New("backend down")
	ran := false
	require.NoError(t, s.Register("a-fails", time.Minute, func(context.Context, time.Time) error { return boom }))
	require.NoError(t, s.Register("b-works", time.Minute, func(context.Context, time.Time) error {
		ran = true
		return nil
	}))

	s.Tick(context.Background(), t0)

	assert.True(t, ran)
	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "a-fails", status[0].Name)
	assert.Equal(t, uint64(1), status[0].Failures)
	assert.Equal(t, "backend down", status[0].LastError)
	assert.Equal(t, uint64(1), status[1].Runs)
	assert.Empty(t, status[1].LastError)
}

func TestRegisterValidation(t *testing.T) {
	s := New(DefaultConfig(), Deps{})
	noop := func(context.Context, time.Time) error { return nil }

	assert.True(t, errors.HasCode(s.Register("", time.Second, noop), errors.ErrCodeInvalidConfig))
	assert.True(t, errors.HasCode(s.Register("x", 0, noop), errors.ErrCodeInvalidConfig))
	assert.True(t, errors.HasCode(s.Register("x", time.Second, nil), errors.ErrCodeInvalidConfig))

	require.NoError(t, s.Register("x", time.Second, noop))
	assert.True(t, errors.HasCode(s.Register("x", time.Second, noop), errors.ErrCodeInvalidState))
}

func TestRunNow(t *testing.T) {
	now := t0
	s := New(DefaultConfig(), Deps{Clock: func() time.Time { return now }})
	var runs int
	require.NoError(t, s.Register("persist", time.Hour, func(context.Context, time.Time) error {
		runs++
		return nil
	}))

	s.Tick(context.Background(), t0)
	require.NoError(t, s.RunNow(context.Background(), "persist"))
	assert.Equal(t, 2, runs)
	assert.True(t, errors.HasCode(s.RunNow(context.Background(), "missing"), errors.ErrCodeKeyNotFound))
}

func TestJobReceivesTimeout(t *testing.T) {
	s := New(Config{JobTimeout: 10 * time.Millisecond}, Deps{})
	require.NoError(t, s.Register("slow", time.Minute, func(ctx context.Context, _ time.Time) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	s.Tick(context.Background(), t0)
	assert.Equal(t, context.DeadlineExceeded.Error(), s.Status()[0].LastError)
}

func TestStartStop(t *testing.T) {
	s := New(Config{Resolution: 5 * time.Millisecond}, Deps{})
	var runs atomic.Int32
	require.NoError(t, s.Register("tick", time.Millisecond, func(context.Context, time.Time) error {
		runs.Add(1)
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.True(t, errors.HasCode(s.Start(ctx), errors.ErrCodeAlreadyStarted))

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	stopped := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())
}

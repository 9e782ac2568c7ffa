package worker

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolRunsJobs(t *testing.T) {
	p := NewPool(3, 10, quietLogger())
	p.Start()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(Job{ID: "j", Run: func(ctx context.Context) { ran.Add(1) }}))
	}

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(10), ran.Load())
}

func TestPoolQueueFull(t *testing.T) {
	p := NewPool(1, 1, quietLogger())
	p.Start()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(Job{ID: "busy", Run: func(ctx context.Context) {
		close(started)
		<-release
	}}))
	<-started

	require.NoError(t, p.Submit(Job{ID: "queued", Run: func(ctx context.Context) {}}))
	assert.ErrorIs(t, p.Submit(Job{ID: "overflow", Run: func(ctx context.Context) {}}), ErrQueueFull)
	assert.Equal(t, 1, p.Workers())
	assert.Equal(t, 1, p.Pending())

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	p := NewPool(1, 1, quietLogger())
	p.Start()
	require.NoError(t, p.Shutdown(context.Background()))

	err := p.Submit(Job{ID: "late", Run: func(ctx context.Context) {}})
	assert.ErrorIs(t, err, ErrPoolClosed)

	// second shutdown is harmless
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolRejectsNilRun(t *testing.T) {
	p := NewPool(1, 1, quietLogger())
	assert.Error(t, p.Submit(Job{ID: "empty"}))
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(1, 4, quietLogger())
	p.Start()

	var after atomic.Bool
	require.NoError(t, p.Submit(Job{ID: "boom", Run: func(ctx context.Context) { panic("boom") }}))
	require.NoError(t, p.Submit(Job{ID: "next", Run: func(ctx context.Context) { after.Store(true) }}))

	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, after.Load(), "worker should survive a panicking job")
}

func TestPoolShutdownTimeoutCancelsJobs(t *testing.T) {
	p := NewPool(1, 1, quietLogger())
	p.Start()

	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, p.Submit(Job{ID: "slow", Run: func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, cancelled.Load())
}

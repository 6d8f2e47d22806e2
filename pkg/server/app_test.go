package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestApp_GracefulShutdownOrder(t *testing.T) {
	a := New(nil, nil, nil, time.Second)

	var seq []string
	var runnerDone atomic.Bool
	a.AddRunner("loop", RunnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		runnerDone.Store(true)
		return ctx.Err()
	}))
	a.OnShutdown(func(context.Context) error {
		assert.True(t, runnerDone.Load(), "hooks run after runners return")
		seq = append(seq, "hook")
		return nil
	})
	a.AddCloser(closerFunc(func() error {
		seq = append(seq, "close")
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, a.RunContext(ctx))
	assert.Equal(t, []string{"hook", "close"}, seq)
}

func TestApp_FailingRunnerStopsEverything(t *testing.T) {
	a := New(nil, nil, nil, time.Second)
	boom := errors.New("boom")

	var cancelled atomic.Bool
	a.AddRunner("healthy", RunnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		cancelled.Store(true)
		return nil
	}))
	a.AddRunner("broken", RunnerFunc(func(context.Context) error { return boom }))

	err := a.RunContext(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, cancelled.Load())
}

func TestApp_CollectsShutdownErrors(t *testing.T) {
	a := New(nil, nil, nil, time.Second)
	closeErr := errors.New("close failed")
	a.AddCloser(closerFunc(func() error { return closeErr }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.RunContext(ctx), closeErr)
}

package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StratSplit/internal/domain/models"
	"StratSplit/pkg/metrics"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]models.TradeObservation
	failN   int
}

func (s *recordingSink) StoreObservations(_ context.Context, obs []models.TradeObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("sink down")
	}
	s.batches = append(s.batches, append([]models.TradeObservation(nil), obs...))
	return nil
}

func (s *recordingSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func obs(id string) models.TradeObservation {
	return models.TradeObservation{Experiment: "exp", TradeID: id, Variant: "control", PnL: 1}
}

func run(p *ObservationPipeline) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	return done
}

func TestObservationPipeline_FlushesBatchesAndDrainsOnStop(t *testing.T) {
	sink := &recordingSink{}
	p := NewObservationPipeline(sink, metrics.Nop{}, WithBatching(2, time.Hour))

	done := run(p)

	for _, id := range []string{"1", "2", "3"} {
		require.True(t, p.Submit(obs(id)))
	}
	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, <-done)

	assert.Equal(t, 3, sink.total())
	written, failed, dropped := p.Stats()
	assert.Equal(t, uint64(3), written)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)

	assert.False(t, p.Submit(obs("late")), "submit after stop must drop")
}

func TestObservationPipeline_DropsWhenFull(t *testing.T) {
	p := NewObservationPipeline(&recordingSink{}, metrics.Nop{}, WithBufferSize(1))

	assert.True(t, p.Submit(obs("1")))
	assert.False(t, p.Submit(obs("2")))

	_, _, dropped := p.Stats()
	assert.Equal(t, uint64(1), dropped)
}

func TestObservationPipeline_RetriesThenSucceeds(t *testing.T) {
	sink := &recordingSink{failN: 2}
	p := NewObservationPipeline(sink, metrics.Nop{},
		WithBatching(1, time.Hour),
		WithRetry(3, time.Millisecond, 2*time.Millisecond),
	)
	done := run(p)

	require.True(t, p.Submit(obs("1")))
	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, <-done)

	written, failed, _ := p.Stats()
	assert.Equal(t, uint64(1), written)
	assert.Zero(t, failed)
}

func TestObservationPipeline_DiscardsAfterRetries(t *testing.T) {
	sink := &recordingSink{failN: 10}
	p := NewObservationPipeline(sink, metrics.Nop{},
		WithBatching(1, time.Hour),
		WithRetry(1, time.Millisecond, time.Millisecond),
	)
	done := run(p)

	require.True(t, p.Submit(obs("1")))
	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, <-done)

	written, failed, _ := p.Stats()
	assert.Zero(t, written)
	assert.Equal(t, uint64(1), failed)
}

func TestObservationPipeline_CancelDrains(t *testing.T) {
	sink := &recordingSink{}
	p := NewObservationPipeline(sink, metrics.Nop{}, WithBatching(100, time.Hour))

	for _, id := range []string{"1", "2"} {
		require.True(t, p.Submit(obs(id)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	assert.Equal(t, 2, sink.total())
}

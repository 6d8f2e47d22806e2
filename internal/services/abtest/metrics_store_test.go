package abtest

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsStore_Validation(t *testing.T) {
	_, err := NewMetricsStore()
	require.ErrorIs(t, err, ErrNoVariants)

	_, err = NewMetricsStore("control", "control")
	require.ErrorIs(t, err, ErrDuplicateVariant)

	s, err := NewMetricsStore("control", "experiment")
	require.NoError(t, err)
	assert.Equal(t, []string{"control", "experiment"}, s.Variants())
}

func TestRecord_Aggregates(t *testing.T) {
	s, err := NewMetricsStore("control")
	require.NoError(t, err)

	require.NoError(t, s.Record("control", 10.25, 2*time.Millisecond))
	require.NoError(t, s.Record("control", -4.10, 4*time.Millisecond))
	require.NoError(t, s.Record("control", 0, 0))

	snap, err := s.Snapshot("control")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Trades)
	assert.Equal(t, int64(1), snap.Wins)
	assert.Equal(t, int64(615), snap.PnLCents)
	assert.InDelta(t, 6.15, snap.PnL(), 1e-9)
	assert.Equal(t, 2*time.Millisecond, snap.AvgLatency())
	assert.InDelta(t, 1.0/3.0, snap.WinRate(), 1e-12)
	// peak 10.25 then down to 6.15
	assert.Equal(t, int64(410), snap.MaxDrawdownCents)
}

func TestRecord_ConservationUnderConcurrency(t *testing.T) {
	s, err := NewMetricsStore("control", "experiment")
	require.NoError(t, err)

	const workers, perWorker = 32, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				pnl := 1.0
				if i%2 == 1 {
					pnl = -0.5
				}
				_ = s.Record("experiment", pnl, time.Millisecond)
			}
		}(w)
	}
	wg.Wait()

	snap, err := s.Snapshot("experiment")
	require.NoError(t, err)
	n := int64(workers * perWorker)
	assert.Equal(t, n, snap.Trades)
	assert.Equal(t, n/2, snap.Wins)
	assert.Equal(t, n/2*100-n/2*50, snap.PnLCents)
	assert.Equal(t, n, snap.LatencyCount)

	ctrl, err := s.Snapshot("control")
	require.NoError(t, err)
	assert.Zero(t, ctrl.Trades)
}

func TestRecord_RejectsMalformed(t *testing.T) {
	s, err := NewMetricsStore("control")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Record("nope", 1, 0), ErrUnknownVariant)
	assert.ErrorIs(t, s.Record("control", math.NaN(), 0), ErrInvalidObservation)
	assert.ErrorIs(t, s.Record("control", math.Inf(-1), 0), ErrInvalidObservation)
	assert.ErrorIs(t, s.Record("control", 1, -time.Second), ErrInvalidObservation)

	assert.Equal(t, int64(4), s.Rejected())
	snap, _ := s.Snapshot("control")
	assert.Zero(t, snap.Trades)
}

func TestUpdateDrawdown_Monotonic(t *testing.T) {
	s, err := NewMetricsStore("control")
	require.NoError(t, err)

	for _, v := range []float64{5, 20, 3} {
		require.NoError(t, s.UpdateDrawdown("control", v))
	}
	snap, _ := s.Snapshot("control")
	assert.InDelta(t, 20.0, snap.MaxDrawdown(), 1e-9)

	require.NoError(t, s.UpdateDrawdown("control", -25))
	snap, _ = s.Snapshot("control")
	assert.InDelta(t, 25.0, snap.MaxDrawdown(), 1e-9)
}

func TestRecord_SaturatesAtLossBound(t *testing.T) {
	s, err := NewMetricsStore("control")
	require.NoError(t, err)

	// the bias admits $1,000,000 of cumulative loss
	require.NoError(t, s.Record("control", -999_999.99, 0))
	assert.False(t, s.Saturated())

	err = s.Record("control", -5, 0)
	require.True(t, errors.Is(err, ErrPnLSaturated))
	assert.True(t, s.Saturated())

	snap, _ := s.Snapshot("control")
	assert.Equal(t, -int64(PnLBiasCents), snap.PnLCents)
	assert.Equal(t, int64(2), snap.Trades)
}

func TestAddBiased_UpperBound(t *testing.T) {
	v, ok := addBiased(maxEncoded-1, 5)
	assert.False(t, ok)
	assert.Equal(t, maxEncoded, v)

	v, ok = addBiased(PnLBiasCents, 5)
	assert.True(t, ok)
	assert.Equal(t, PnLBiasCents+5, v)
}

func TestStableSnapshot_Quiescent(t *testing.T) {
	s, err := NewMetricsStore("control")
	require.NoError(t, err)
	require.NoError(t, s.Record("control", 3, time.Millisecond))

	snap, ok, err := s.StableSnapshot("control", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), snap.Trades)

	_, _, err = s.StableSnapshot("missing", 1)
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestSnapshot_ZeroData(t *testing.T) {
	s, err := NewMetricsStore("control")
	require.NoError(t, err)
	snap, err := s.Snapshot("control")
	require.NoError(t, err)
	assert.Zero(t, snap.PnL())
	assert.Zero(t, snap.WinRate())
	assert.Zero(t, snap.AvgLatency())
}

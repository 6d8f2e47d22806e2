package abtest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StratSplit/internal/domain/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(t *testing.T, c models.StoppingCriteria) (*Monitor, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	m, err := NewMonitor(c, clk.Now(), WithClock(clk.Now))
	require.NoError(t, err)
	return m, clk
}

func snap(variant string, trades, wins, pnlCents int64) Snapshot {
	return Snapshot{Variant: variant, Trades: trades, Wins: wins, PnLCents: pnlCents}
}

func TestValidateCriteria(t *testing.T) {
	require.NoError(t, ValidateCriteria(models.DefaultStoppingCriteria()))

	bad := []models.StoppingCriteria{
		{MinTradesPerVariant: 0, MaxDuration: time.Hour, SignificanceLevel: 0.05},
		{MinTradesPerVariant: 10, MaxDuration: 0, SignificanceLevel: 0.05},
		{MinTradesPerVariant: 10, MaxDuration: time.Hour, SignificanceLevel: 1},
		{MinTradesPerVariant: 10, MaxDuration: time.Hour, SignificanceLevel: 0.05, StopOnHarm: true, HarmThresholdPct: 5},
	}
	for _, c := range bad {
		assert.ErrorIs(t, ValidateCriteria(c), ErrInvalidCriteria, "%+v", c)
	}
}

func TestCheck_InsufficientData(t *testing.T) {
	m, _ := newTestMonitor(t, models.DefaultStoppingCriteria())

	r := m.Check(snap("control", 99, 40, 100), snap("experiment", 500, 400, 9000))
	assert.Equal(t, models.StillRunning, r.Kind)
	assert.True(t, r.InsufficientData)
	assert.Equal(t, "insufficient data", r.String())
	assert.False(t, m.Stopped())
}

func TestCheck_SignificanceReached(t *testing.T) {
	m, _ := newTestMonitor(t, models.DefaultStoppingCriteria())

	r := m.Check(snap("control", 1000, 450, 10_000), snap("experiment", 1000, 520, 25_000))
	require.Equal(t, models.SignificanceReached, r.Kind)
	assert.Equal(t, "experiment", r.Winner)
	assert.Less(t, r.PValue, 0.05)
	assert.InDelta(t, 1-r.PValue, r.Confidence, 1e-12)
}

func TestCheck_NotSignificant(t *testing.T) {
	m, _ := newTestMonitor(t, models.DefaultStoppingCriteria())

	r := m.Check(snap("control", 1000, 500, 10_000), snap("experiment", 1000, 505, 10_500))
	assert.Equal(t, models.StillRunning, r.Kind)
	assert.False(t, r.InsufficientData)
	assert.False(t, m.Stopped())
}

func TestCheck_HarmDetected(t *testing.T) {
	m, _ := newTestMonitor(t, models.DefaultStoppingCriteria())

	// control +$1000, experiment -$50
	r := m.Check(snap("control", 200, 100, 100_000), snap("experiment", 200, 100, -5_000))
	require.Equal(t, models.HarmDetected, r.Kind)
	assert.Equal(t, "experiment", r.Variant)
	assert.InDelta(t, -105.0, r.LossPercent, 1e-9)
}

func TestCheck_HarmPicksWorstChallenger(t *testing.T) {
	m, _ := newTestMonitor(t, models.DefaultStoppingCriteria())

	r := m.Check(
		snap("control", 200, 100, 100_000),
		snap("b", 200, 100, 80_000),
		snap("c", 200, 100, 50_000),
	)
	require.Equal(t, models.HarmDetected, r.Kind)
	assert.Equal(t, "c", r.Variant)
}

func TestCheck_HarmDisabled(t *testing.T) {
	c := models.DefaultStoppingCriteria()
	c.StopOnHarm = false
	m, _ := newTestMonitor(t, c)

	r := m.Check(snap("control", 200, 100, 100_000), snap("experiment", 200, 100, -5_000))
	assert.Equal(t, models.StillRunning, r.Kind)
}

func TestCheck_TimeExpired(t *testing.T) {
	c := models.DefaultStoppingCriteria()
	c.MaxDuration = time.Hour
	m, clk := newTestMonitor(t, c)

	assert.Equal(t, models.StillRunning, m.Check(snap("control", 0, 0, 0), snap("experiment", 0, 0, 0)).Kind)
	clk.Advance(time.Hour)
	r := m.Check(snap("control", 0, 0, 0), snap("experiment", 0, 0, 0))
	assert.Equal(t, models.TimeExpired, r.Kind)
	assert.True(t, r.Terminal())
}

func TestCheck_TerminalIsAbsorbing(t *testing.T) {
	m, clk := newTestMonitor(t, models.DefaultStoppingCriteria())

	first := m.Check(snap("control", 200, 100, 100_000), snap("experiment", 200, 100, -5_000))
	require.Equal(t, models.HarmDetected, first.Kind)

	// later data that would otherwise be significant in the other direction
	clk.Advance(8 * 24 * time.Hour)
	again := m.Check(snap("control", 1000, 450, 10_000), snap("experiment", 1000, 520, 25_000))
	assert.Equal(t, first, again)

	stop := m.ManualStop("too late")
	assert.Equal(t, models.HarmDetected, stop.Kind)
	assert.Equal(t, first, m.Status())
}

func TestManualStop_Latches(t *testing.T) {
	m, _ := newTestMonitor(t, models.DefaultStoppingCriteria())
	assert.Equal(t, models.StillRunning, m.Status().Kind)

	r := m.ManualStop("operator halt")
	assert.Equal(t, models.ManualStop, r.Kind)
	assert.Equal(t, "operator halt", r.Note)
	assert.True(t, m.Stopped())

	after := m.Check(snap("control", 1000, 450, 10_000), snap("experiment", 1000, 520, 25_000))
	assert.Equal(t, models.ManualStop, after.Kind)
}

func TestCheck_ConcurrentLatchAgrees(t *testing.T) {
	m, _ := newTestMonitor(t, models.DefaultStoppingCriteria())

	results := make([]models.StopReason, 16)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				results[i] = m.ManualStop("race")
				return
			}
			results[i] = m.Check(snap("control", 200, 100, 100_000), snap("experiment", 200, 100, -5_000))
		}(i)
	}
	wg.Wait()

	final := m.Status()
	for _, r := range results {
		assert.Equal(t, final, r)
	}
}

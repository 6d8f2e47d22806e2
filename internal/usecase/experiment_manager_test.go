package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StratSplit/internal/domain/models"
	"StratSplit/internal/services/abtest"
)

type fixedStrategy struct{ buy, sell bool }

func (f fixedStrategy) ShouldBuy(float64, models.Indicators) bool  { return f.buy }
func (f fixedStrategy) ShouldSell(float64, models.Indicators) bool { return f.sell }
func (f fixedStrategy) PositionSize(balance, risk float64) float64 { return balance * risk }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type collectingPipeline struct {
	mu  sync.Mutex
	obs []models.TradeObservation
}

func (p *collectingPipeline) Submit(o models.TradeObservation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.obs = append(p.obs, o)
	return true
}

func testExperiment(t *testing.T, split float64) Experiment {
	t.Helper()
	rs, err := abtest.SplitRules("control", "challenger", split, abtest.WithSalt("exp"))
	require.NoError(t, err)
	crit := models.DefaultStoppingCriteria()
	return Experiment{
		Name:    "exp",
		Control: "control",
		Variants: []Variant{
			{Name: "control", Strategy: fixedStrategy{buy: true}},
			{Name: "challenger", Strategy: fixedStrategy{sell: true}},
		},
		Rules:        rs,
		Criteria:     crit,
		RiskPerTrade: 0.02,
	}
}

func settleN(t *testing.T, m *Manager, variant string, wins, trades int) {
	t.Helper()
	for i := 0; i < trades; i++ {
		pnl := -0.5
		if i < wins {
			pnl = 1
		}
		require.NoError(t, m.Settle(variant, pnl, time.Millisecond))
	}
}

func TestNewManager_RejectsBadExperiments(t *testing.T) {
	base := testExperiment(t, 0.5)

	cases := map[string]struct {
		mutate func(*Experiment)
		want   error
	}{
		"no name":        {func(e *Experiment) { e.Name = "" }, ErrEmptyExperiment},
		"one variant":    {func(e *Experiment) { e.Variants = e.Variants[:1] }, ErrTooFewVariants},
		"no rules":       {func(e *Experiment) { e.Rules = nil }, ErrMissingRuleSet},
		"bad risk":       {func(e *Experiment) { e.RiskPerTrade = 0 }, ErrInvalidRisk},
		"nil strategy":   {func(e *Experiment) { e.Variants[1].Strategy = nil }, ErrNoStrategy},
		"unknown ctrl":   {func(e *Experiment) { e.Control = "ghost" }, ErrUnknownControl},
		"bad criteria":   {func(e *Experiment) { e.Criteria.MinTradesPerVariant = 0 }, abtest.ErrInvalidCriteria},
		"unknown target": {func(e *Experiment) { e.Variants[1].Name = "other" }, abtest.ErrUnknownTarget},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			exp := base
			exp.Variants = append([]Variant(nil), base.Variants...)
			tc.mutate(&exp)
			_, err := NewManager(exp)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestManager_RouteAndDecide(t *testing.T) {
	m, err := NewManager(testExperiment(t, 0.5))
	require.NoError(t, err)
	ctx := context.Background()
	rc := models.RouteContext{AccountSize: 10_000}

	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("trade-%d", i)
		d, ok, err := m.RouteAndDecide(ctx, id, rc, 100, models.Indicators{})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, id, d.TradeID)
		assert.Equal(t, 200.0, d.Size)
		switch d.Variant {
		case "control":
			assert.Equal(t, models.ActionBuy, d.Action)
		case "challenger":
			assert.Equal(t, models.ActionSell, d.Action)
		default:
			t.Fatalf("unexpected variant %q", d.Variant)
		}
		seen[d.Variant]++

		again, _, _ := m.RouteAndDecide(ctx, id, rc, 100, models.Indicators{})
		assert.Equal(t, d, again, "routing must be deterministic")
	}
	assert.Positive(t, seen["control"])
	assert.Positive(t, seen["challenger"])
}

func TestManager_ExcludedTradesAreCounted(t *testing.T) {
	exp := testExperiment(t, 0.5)
	rs, err := abtest.NewRuleSet([]abtest.Rule{
		{Variant: "control", Weight: 1, Conditions: []abtest.Condition{{Kind: abtest.CondSymbol, Symbol: "BTC"}}},
		{Variant: "challenger", Weight: 1, Conditions: []abtest.Condition{{Kind: abtest.CondSymbol, Symbol: "BTC"}}},
	})
	require.NoError(t, err)
	exp.Rules = rs
	m, err := NewManager(exp)
	require.NoError(t, err)

	d, ok, err := m.RouteAndDecide(context.Background(), "t1", models.RouteContext{Symbol: "ETH"}, 1, models.Indicators{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.ActionHold, d.Action)
	assert.Equal(t, int64(1), m.Report().Excluded)
}

func TestManager_RouteAndDecideHonoursContext(t *testing.T) {
	m, err := NewManager(testExperiment(t, 0.5))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = m.RouteAndDecide(ctx, "t1", models.RouteContext{}, 1, models.Indicators{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_SettleRejectsAndForwards(t *testing.T) {
	p := &collectingPipeline{}
	m, err := NewManager(testExperiment(t, 0.5), WithPipeline(p))
	require.NoError(t, err)

	assert.ErrorIs(t, m.Settle("ghost", 1, 0), abtest.ErrUnknownVariant)
	require.NoError(t, m.SettleObservation(models.TradeObservation{TradeID: "t1", Variant: "control", PnL: 2}))

	r := m.Report()
	assert.Equal(t, int64(1), r.Rejected)
	assert.Equal(t, int64(1), r.Variants[0].Trades)

	require.Len(t, p.obs, 1)
	assert.Equal(t, "exp", p.obs[0].Experiment)
	assert.Equal(t, "t1", p.obs[0].TradeID)
	assert.False(t, p.obs[0].Timestamp.IsZero())
}

func TestManager_ZeroDataReport(t *testing.T) {
	m, err := NewManager(testExperiment(t, 0.5))
	require.NoError(t, err)

	r := m.Report()
	require.Len(t, r.Variants, 2)
	assert.True(t, r.Variants[0].Control)
	assert.True(t, r.Status.InsufficientData)
	assert.Empty(t, r.Winner)

	text := RenderText(r)
	assert.Contains(t, text, "insufficient data")
	assert.Contains(t, text, "control (control)")
	assert.Contains(t, text, "0.00")
}

func TestManager_SignificanceNotifiesOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []*models.StopDecision
	)
	listener := func(_ context.Context, d *models.StopDecision) {
		mu.Lock()
		calls = append(calls, d)
		mu.Unlock()
	}
	m, err := NewManager(testExperiment(t, 0.5), WithStopListeners(listener, listener))
	require.NoError(t, err)

	settleN(t, m, "control", 450, 1000)
	settleN(t, m, "challenger", 520, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := m.Check()
			assert.Equal(t, models.SignificanceReached, r.Kind)
		}()
	}
	wg.Wait()
	stopped := m.Stop("late")
	assert.Equal(t, models.SignificanceReached, stopped.Kind, "first terminal reason wins")
	require.NoError(t, m.Wait(context.Background()))

	require.Len(t, calls, 2, "one decision, delivered to both listeners")
	assert.Same(t, calls[0], calls[1])
	d := calls[0]
	assert.Equal(t, "exp", d.Experiment)
	assert.Equal(t, m.RunID(), d.RunID)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "challenger", d.Reason.Winner)
	require.NotNil(t, d.Report)
	assert.Equal(t, "challenger", d.Report.Winner)
	assert.Greater(t, d.Report.LiftPct, 0.0)

	r := m.Report()
	require.Len(t, r.Comparisons, 1)
	assert.InDelta(t, 3.13, r.Comparisons[0].ZScore, 0.01)
	assert.Less(t, r.Comparisons[0].PValue, 0.05)
	assert.Contains(t, RenderText(r), "Winner: challenger")
}

func TestManager_CheckOnSettleDetectsHarm(t *testing.T) {
	var got []*models.StopDecision
	var mu sync.Mutex
	m, err := NewManager(testExperiment(t, 0.5),
		WithCheckOnSettle(true),
		WithStopListeners(func(_ context.Context, d *models.StopDecision) {
			mu.Lock()
			got = append(got, d)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, m.Settle("control", 10, 0))
	}
	for i := 0; i < 99; i++ {
		require.NoError(t, m.Settle("challenger", -0.5, 0))
	}
	assert.False(t, m.Status().Terminal())
	require.NoError(t, m.Settle("challenger", -0.5, 0))

	status := m.Status()
	assert.Equal(t, models.HarmDetected, status.Kind)
	assert.Equal(t, "challenger", status.Variant)
	assert.InDelta(t, -105, status.LossPercent, 1e-9)

	require.NoError(t, m.Wait(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, "control", got[0].Report.Winner)
}

func TestManager_TimeExpiry(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m, err := NewManager(testExperiment(t, 0.5), WithClock(clk.now))
	require.NoError(t, err)

	assert.Equal(t, models.StillRunning, m.Check().Kind)
	clk.advance(7 * 24 * time.Hour)
	assert.Equal(t, models.TimeExpired, m.Check().Kind)
	assert.Equal(t, 7*24*time.Hour, m.Report().Elapsed)
}

func TestManager_ManualStopStillRecordsSettlements(t *testing.T) {
	m, err := NewManager(testExperiment(t, 0.5))
	require.NoError(t, err)

	r := m.Stop("operator")
	assert.Equal(t, models.ManualStop, r.Kind)
	assert.Equal(t, models.ManualStop, m.Check().Kind)

	require.NoError(t, m.Settle("control", 1, 0))
	assert.Equal(t, int64(1), m.Report().Variants[0].Trades)
	assert.True(t, strings.HasPrefix(RenderText(m.Report()), "Experiment: exp"))
}

func TestManager_ConcurrentSettleConserves(t *testing.T) {
	m, err := NewManager(testExperiment(t, 0.5))
	require.NoError(t, err)

	const workers, per = 16, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			variant := "control"
			if w%2 == 1 {
				variant = "challenger"
			}
			for i := 0; i < per; i++ {
				_ = m.Settle(variant, 0.01, time.Microsecond)
				if i%50 == 0 {
					m.Check()
				}
			}
		}(w)
	}
	wg.Wait()

	r := m.Report()
	var total int64
	for _, v := range r.Variants {
		total += v.Trades
		assert.InDelta(t, float64(v.Trades)*0.01, v.PnL, 1e-9)
	}
	assert.Equal(t, int64(workers*per), total)
}

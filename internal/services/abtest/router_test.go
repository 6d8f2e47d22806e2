package abtest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StratSplit/internal/domain/models"
)

func TestSelect_Deterministic(t *testing.T) {
	rs, err := SplitRules("control", "experiment", 0.5, WithSalt("exp-1"))
	require.NoError(t, err)

	rc := models.RouteContext{Symbol: "BTCUSDT"}
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("trade-%d", i)
		first, ok, err := Select(id, rc, rs)
		require.NoError(t, err)
		require.True(t, ok)
		for j := 0; j < 5; j++ {
			again, _, _ := rs.Select(id, rc)
			assert.Equal(t, first, again, "trade %s", id)
		}
	}
}

func TestSelect_ConcurrentCallersAgree(t *testing.T) {
	rs, err := SplitRules("control", "experiment", 0.3)
	require.NoError(t, err)

	want := make(map[string]string)
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("t%d", i)
		want[id], _, _ = rs.Select(id, models.RouteContext{})
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id, v := range want {
				got, _, _ := rs.Select(id, models.RouteContext{})
				assert.Equal(t, v, got)
			}
		}()
	}
	wg.Wait()
}

func TestSelect_SplitApproximatesWeights(t *testing.T) {
	rs, err := SplitRules("control", "experiment", 0.2)
	require.NoError(t, err)

	counts := map[string]int{}
	const n = 20000
	for i := 0; i < n; i++ {
		v, ok, err := rs.Select(fmt.Sprintf("order-%d", i), models.RouteContext{})
		require.NoError(t, err)
		require.True(t, ok)
		counts[v]++
	}
	share := float64(counts["experiment"]) / n
	assert.InDelta(t, 0.2, share, 0.02)
}

func TestSelect_ExtremeSplits(t *testing.T) {
	all, err := SplitRules("control", "experiment", 1)
	require.NoError(t, err)
	none, err := SplitRules("control", "experiment", 0)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("x%d", i)
		v, _, _ := all.Select(id, models.RouteContext{})
		assert.Equal(t, "experiment", v)
		v, _, _ = none.Select(id, models.RouteContext{})
		assert.Equal(t, "control", v)
	}
}

func TestSplitRules_RejectsOutOfRange(t *testing.T) {
	for _, f := range []float64{-0.1, 1.01} {
		_, err := SplitRules("control", "experiment", f)
		assert.ErrorIs(t, err, ErrInvalidSplit)
	}
}

func TestNewRuleSet_ZeroWeightFailsFast(t *testing.T) {
	_, err := NewRuleSet([]Rule{{Variant: "a"}, {Variant: "b"}})
	assert.ErrorIs(t, err, ErrZeroWeight)

	_, err = NewRuleSet(nil)
	assert.ErrorIs(t, err, ErrNoRules)
}

func TestSelect_MatchingSubsetWithZeroWeight(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Variant: "control", Weight: 0, Conditions: []Condition{{Kind: CondSymbol, Symbol: "ETH"}}},
		{Variant: "experiment", Weight: 1, Conditions: []Condition{{Kind: CondSymbol, Symbol: "BTC"}}},
	})
	require.NoError(t, err)

	_, _, err = rs.Select("t1", models.RouteContext{Symbol: "ETH"})
	assert.ErrorIs(t, err, ErrZeroWeight)
}

func TestSelect_Conditions(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Variant: "btc-only", Weight: 1, Conditions: []Condition{{Kind: CondSymbol, Symbol: "BTC"}}},
		{Variant: "night", Weight: 1, Conditions: []Condition{{Kind: CondHourRange, StartHour: 22, EndHour: 4}}},
		{Variant: "whale", Weight: 1, Conditions: []Condition{{Kind: CondAccountSize, MinAccount: 1_000_000}}},
	})
	require.NoError(t, err)

	v, ok, err := rs.Select("a", models.RouteContext{Symbol: "BTC"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "btc-only", v)

	late := time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC)
	v, ok, _ = rs.Select("b", models.RouteContext{Symbol: "ETH", Time: late})
	assert.True(t, ok)
	assert.Equal(t, "night", v)

	early := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	v, _, _ = rs.Select("c", models.RouteContext{Time: early})
	assert.Equal(t, "night", v)

	v, _, _ = rs.Select("d", models.RouteContext{AccountSize: 2_000_000})
	assert.Equal(t, "whale", v)

	noon := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	_, ok, err = rs.Select("e", models.RouteContext{Symbol: "ETH", Time: noon, AccountSize: 10})
	require.NoError(t, err)
	assert.False(t, ok, "no rule should match")
}

func TestCondition_Validation(t *testing.T) {
	cases := []Condition{
		{Kind: CondSymbol},
		{Kind: CondHourRange, StartHour: 5, EndHour: 5},
		{Kind: CondHourRange, StartHour: -1, EndHour: 5},
		{Kind: CondAccountSize, MinAccount: 10, MaxAccount: 5},
		{Kind: "moon_phase"},
	}
	for _, c := range cases {
		_, err := NewRuleSet([]Rule{{Variant: "a", Weight: 1, Conditions: []Condition{c}}})
		assert.ErrorIs(t, err, ErrInvalidRule, "%+v", c)
	}
}

func TestSelect_SaltChangesAssignment(t *testing.T) {
	a, err := SplitRules("control", "experiment", 0.5, WithSalt("a"))
	require.NoError(t, err)
	b, err := SplitRules("control", "experiment", 0.5, WithSalt("b"))
	require.NoError(t, err)

	differ := 0
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("t%d", i)
		va, _, _ := a.Select(id, models.RouteContext{})
		vb, _, _ := b.Select(id, models.RouteContext{})
		if va != vb {
			differ++
		}
	}
	assert.Greater(t, differ, 0)
}

func TestRuleSet_Targets(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Variant: "a", Weight: 1},
		{Variant: "b", Weight: 1},
		{Variant: "a", Weight: 2, Conditions: []Condition{{Kind: CondSymbol, Symbol: "X"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rs.Targets())
}

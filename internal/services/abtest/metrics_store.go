package abtest

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// PnLBiasCents is added to every encoded P&L total so negative totals fit an unsigned counter.
// It bounds cumulative losses per variant at $1,000,000. The encoded value is capped at
// math.MaxInt64, so cumulative gains are bounded at MaxInt64-PnLBiasCents cents.
// Crossing either bound saturates and sets the store's Saturated flag; it never wraps.
const PnLBiasCents uint64 = 100_000_000

const (
	maxEncoded = uint64(math.MaxInt64)
	// largest |pnl| accepted for one observation, in dollars
	maxObservationPnL = 1e12
)

var (
	ErrUnknownVariant     = errors.New("abtest: unknown variant")
	ErrInvalidObservation = errors.New("abtest: invalid observation")
	ErrPnLSaturated       = errors.New("abtest: pnl bound exceeded, value saturated")
	ErrNoVariants         = errors.New("abtest: at least one variant is required")
	ErrDuplicateVariant   = errors.New("abtest: duplicate variant")
)

// VariantMetrics is the lock-free aggregate for one variant.
// Fields are updated independently; there is no cross-field ordering guarantee.
type VariantMetrics struct {
	trades       atomic.Uint64
	wins         atomic.Uint64
	pnl          atomic.Uint64 // cents + PnLBiasCents
	peak         atomic.Uint64 // highest encoded pnl seen
	drawdown     atomic.Uint64 // cents
	latencySum   atomic.Uint64 // microseconds
	latencyCount atomic.Uint64

	// begun/done bracket every Record so StableSnapshot can detect in-flight writers.
	begun atomic.Uint64
	done  atomic.Uint64
}

func newVariantMetrics() *VariantMetrics {
	v := &VariantMetrics{}
	v.pnl.Store(PnLBiasCents)
	v.peak.Store(PnLBiasCents)
	return v
}

// Snapshot is a read of one variant's aggregate.
type Snapshot struct {
	Variant          string
	Trades           int64
	Wins             int64
	PnLCents         int64
	MaxDrawdownCents int64
	LatencySum       time.Duration
	LatencyCount     int64
}

// PnL returns the signed P&L in currency units.
func (s Snapshot) PnL() float64 { return centsToFloat(s.PnLCents) }

// MaxDrawdown returns the max drawdown magnitude in currency units.
func (s Snapshot) MaxDrawdown() float64 { return centsToFloat(s.MaxDrawdownCents) }

// AvgLatency returns the mean execution latency, or zero without samples.
func (s Snapshot) AvgLatency() time.Duration {
	if s.LatencyCount == 0 {
		return 0
	}
	return s.LatencySum / time.Duration(s.LatencyCount)
}

// WinRate returns wins/trades, or zero without trades.
func (s Snapshot) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// MetricsStore owns the aggregates of one experiment. The variant set is fixed at construction,
// so lookups need no locking.
type MetricsStore struct {
	variants  map[string]*VariantMetrics
	order     []string
	rejected  atomic.Uint64
	saturated atomic.Bool
}

// NewMetricsStore creates a store for the given variant labels.
func NewMetricsStore(variants ...string) (*MetricsStore, error) {
	if len(variants) == 0 {
		return nil, ErrNoVariants
	}
	s := &MetricsStore{
		variants: make(map[string]*VariantMetrics, len(variants)),
		order:    make([]string, 0, len(variants)),
	}
	for _, name := range variants {
		if name == "" {
			return nil, fmt.Errorf("%w: empty label", ErrInvalidObservation)
		}
		if _, ok := s.variants[name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVariant, name)
		}
		s.variants[name] = newVariantMetrics()
		s.order = append(s.order, name)
	}
	return s, nil
}

// Variants returns the variant labels in construction order.
func (s *MetricsStore) Variants() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Record applies one settled trade to a variant. Safe for concurrent use.
// Malformed observations are dropped and counted in Rejected.
// On ErrPnLSaturated the trade is still counted and the P&L total is pinned at the bound.
func (s *MetricsStore) Record(variant string, pnl float64, latency time.Duration) error {
	vm, ok := s.variants[variant]
	if !ok {
		s.rejected.Add(1)
		return fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) || math.Abs(pnl) > maxObservationPnL || latency < 0 {
		s.rejected.Add(1)
		return fmt.Errorf("%w: pnl=%v latency=%s", ErrInvalidObservation, pnl, latency)
	}

	vm.begun.Add(1)
	defer vm.done.Add(1)

	cur, inRange := addCents(&vm.pnl, dollarsToCents(pnl))
	storeMax(&vm.peak, cur)
	if p := vm.peak.Load(); p > cur {
		storeMax(&vm.drawdown, p-cur)
	}

	vm.trades.Add(1)
	if pnl > 0 {
		vm.wins.Add(1)
	}
	vm.latencySum.Add(uint64(latency.Microseconds()))
	vm.latencyCount.Add(1)

	if !inRange {
		s.saturated.Store(true)
		return fmt.Errorf("%w: variant %s", ErrPnLSaturated, variant)
	}
	return nil
}

// UpdateDrawdown folds an externally measured drawdown magnitude into the variant's maximum.
// The stored maximum never decreases.
func (s *MetricsStore) UpdateDrawdown(variant string, value float64) error {
	vm, ok := s.variants[variant]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || math.Abs(value) > maxObservationPnL {
		return fmt.Errorf("%w: drawdown=%v", ErrInvalidObservation, value)
	}
	c := dollarsToCents(math.Abs(value))
	storeMax(&vm.drawdown, uint64(c))
	return nil
}

// Snapshot reads a variant's aggregate. Each field reflects every Record that completed before
// the read began, but fields may disagree with each other while writes are in flight.
func (s *MetricsStore) Snapshot(variant string) (Snapshot, error) {
	vm, ok := s.variants[variant]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	return vm.read(variant), nil
}

// StableSnapshot retries the read until no Record was in flight for the variant while it ran,
// up to attempts times. ok is false when the variant never went quiet; the last read is returned.
func (s *MetricsStore) StableSnapshot(variant string, attempts int) (snap Snapshot, ok bool, err error) {
	vm, found := s.variants[variant]
	if !found {
		return Snapshot{}, false, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		done := vm.done.Load()
		begun := vm.begun.Load()
		snap = vm.read(variant)
		if begun == done && vm.begun.Load() == begun {
			return snap, true, nil
		}
	}
	return snap, false, nil
}

// Rejected returns how many observations were dropped as malformed.
func (s *MetricsStore) Rejected() int64 { return int64(s.rejected.Load()) }

// Saturated reports whether any variant's P&L total ever hit the encoding bound.
func (s *MetricsStore) Saturated() bool { return s.saturated.Load() }

func (vm *VariantMetrics) read(variant string) Snapshot {
	return Snapshot{
		Variant:          variant,
		Trades:           int64(vm.trades.Load()),
		Wins:             int64(vm.wins.Load()),
		PnLCents:         decodeCents(vm.pnl.Load()),
		MaxDrawdownCents: int64(vm.drawdown.Load()),
		LatencySum:       time.Duration(vm.latencySum.Load()) * time.Microsecond,
		LatencyCount:     int64(vm.latencyCount.Load()),
	}
}

// addCents adds delta to a biased counter, saturating at [0, maxEncoded].
// Returns the new encoded value and whether it stayed in range.
func addCents(v *atomic.Uint64, delta int64) (uint64, bool) {
	for {
		old := v.Load()
		next, ok := addBiased(old, delta)
		if v.CompareAndSwap(old, next) {
			return next, ok
		}
	}
}

func addBiased(old uint64, delta int64) (uint64, bool) {
	if delta >= 0 {
		d := uint64(delta)
		if old > maxEncoded || d > maxEncoded-old {
			return maxEncoded, false
		}
		return old + d, true
	}
	d := uint64(-delta)
	if d > old {
		return 0, false
	}
	return old - d, true
}

func storeMax(v *atomic.Uint64, val uint64) {
	for {
		old := v.Load()
		if val <= old || v.CompareAndSwap(old, val) {
			return
		}
	}
}

func decodeCents(raw uint64) int64 {
	if raw > maxEncoded {
		raw = maxEncoded
	}
	return int64(raw) - int64(PnLBiasCents)
}

func dollarsToCents(v float64) int64 {
	return decimal.NewFromFloat(v).Shift(2).Round(0).IntPart()
}

func centsToFloat(c int64) float64 {
	f, _ := decimal.New(c, -2).Float64()
	return f
}

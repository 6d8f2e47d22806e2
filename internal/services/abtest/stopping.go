package abtest

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"StratSplit/internal/domain/models"
)

var ErrInvalidCriteria = errors.New("abtest: invalid stopping criteria")

// Monitor is a one-way state machine: Running -> one terminal StopReason, forever.
// Check and ManualStop may be called from any goroutine.
type Monitor struct {
	criteria  models.StoppingCriteria
	startedAt time.Time
	now       func() time.Time
	latched   atomic.Pointer[models.StopReason]
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor validates criteria and starts the clock at startedAt.
func NewMonitor(criteria models.StoppingCriteria, startedAt time.Time, opts ...MonitorOption) (*Monitor, error) {
	if err := ValidateCriteria(criteria); err != nil {
		return nil, err
	}
	m := &Monitor{criteria: criteria, startedAt: startedAt, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ValidateCriteria rejects criteria that could never produce a sound decision.
func ValidateCriteria(c models.StoppingCriteria) error {
	switch {
	case c.MinTradesPerVariant <= 0:
		return fmt.Errorf("%w: min trades must be positive, got %d", ErrInvalidCriteria, c.MinTradesPerVariant)
	case c.MaxDuration <= 0:
		return fmt.Errorf("%w: max duration must be positive, got %s", ErrInvalidCriteria, c.MaxDuration)
	case c.SignificanceLevel <= 0 || c.SignificanceLevel >= 1:
		return fmt.Errorf("%w: significance level must be in (0,1), got %v", ErrInvalidCriteria, c.SignificanceLevel)
	case c.StopOnHarm && c.HarmThresholdPct >= 0:
		return fmt.Errorf("%w: harm threshold must be negative, got %v", ErrInvalidCriteria, c.HarmThresholdPct)
	}
	return nil
}

// Criteria returns the monitor's criteria.
func (m *Monitor) Criteria() models.StoppingCriteria { return m.criteria }

// StartedAt returns when the experiment clock started.
func (m *Monitor) StartedAt() time.Time { return m.startedAt }

// Check evaluates the criteria against the control and challenger snapshots.
// Once a terminal reason is latched it is returned unchanged, whatever the snapshots say.
func (m *Monitor) Check(control Snapshot, challengers ...Snapshot) models.StopReason {
	if r := m.latched.Load(); r != nil {
		return *r
	}
	now := m.now()

	if now.Sub(m.startedAt) >= m.criteria.MaxDuration {
		return m.latch(models.StopReason{Kind: models.TimeExpired, At: now})
	}

	minTrades := m.criteria.MinTradesPerVariant
	if control.Trades < minTrades || len(challengers) == 0 {
		return models.StopReason{Kind: models.StillRunning, InsufficientData: true}
	}
	for _, ch := range challengers {
		if ch.Trades < minTrades {
			return models.StopReason{Kind: models.StillRunning, InsufficientData: true}
		}
	}

	if m.criteria.StopOnHarm && control.PnLCents != 0 {
		worst, worstRel := "", 0.0
		for _, ch := range challengers {
			rel := Lift(control.PnL(), ch.PnL())
			if rel <= m.criteria.HarmThresholdPct && (worst == "" || rel < worstRel) {
				worst, worstRel = ch.Variant, rel
			}
		}
		if worst != "" {
			return m.latch(models.StopReason{
				Kind:        models.HarmDetected,
				Variant:     worst,
				LossPercent: worstRel,
				At:          now,
			})
		}
	}

	best, bestP := -1, 1.0
	for i, ch := range challengers {
		p := PValueFromZ(ZScoreProportions(control.Wins, control.Trades, ch.Wins, ch.Trades))
		if p < bestP {
			best, bestP = i, p
		}
	}
	if best >= 0 && bestP < m.criteria.SignificanceLevel {
		return m.latch(models.StopReason{
			Kind:       models.SignificanceReached,
			Winner:     better(control, challengers[best]),
			Confidence: 1 - bestP,
			PValue:     bestP,
			At:         now,
		})
	}

	return models.StopReason{Kind: models.StillRunning}
}

// ManualStop latches an operator stop. If a terminal reason is already latched it is kept
// and returned.
func (m *Monitor) ManualStop(note string) models.StopReason {
	return m.latch(models.StopReason{Kind: models.ManualStop, Note: note, At: m.now()})
}

// Status returns the latched reason, or StillRunning, without evaluating anything.
func (m *Monitor) Status() models.StopReason {
	if r := m.latched.Load(); r != nil {
		return *r
	}
	return models.StopReason{Kind: models.StillRunning}
}

// Stopped reports whether a terminal reason is latched.
func (m *Monitor) Stopped() bool { return m.latched.Load() != nil }

func (m *Monitor) latch(r models.StopReason) models.StopReason {
	if m.latched.CompareAndSwap(nil, &r) {
		return r
	}
	return *m.latched.Load()
}

// better picks the variant with higher P&L; win rate breaks ties, then a stays.
func better(a, b Snapshot) string {
	switch {
	case b.PnLCents > a.PnLCents:
		return b.Variant
	case b.PnLCents < a.PnLCents:
		return a.Variant
	case b.WinRate() > a.WinRate():
		return b.Variant
	default:
		return a.Variant
	}
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"StratSplit/internal/domain/models"
	drepo "StratSplit/internal/domain/repository"
	domsvc "StratSplit/internal/domain/service"
	"StratSplit/internal/services/abtest"
	"StratSplit/pkg/logger"
	"StratSplit/pkg/metrics"
)

var (
	ErrNoStrategy      = errors.New("variant has no strategy")
	ErrUnknownControl  = errors.New("control is not a variant")
	ErrTooFewVariants  = errors.New("experiment needs a control and at least one challenger")
	ErrMissingRuleSet  = errors.New("experiment has no rule set")
	ErrInvalidRisk     = errors.New("risk per trade must be in (0,1]")
	ErrEmptyExperiment = errors.New("experiment name is required")
)

// stableReadAttempts bounds how long Check waits for in-flight settlements to finish.
const stableReadAttempts = 8

// Variant pairs a label with the strategy it runs.
type Variant struct {
	Name     string
	Strategy domsvc.Strategy
}

// Experiment is the immutable definition a Manager runs.
type Experiment struct {
	Name         string
	Control      string
	Variants     []Variant
	Rules        *abtest.RuleSet
	Criteria     models.StoppingCriteria
	RiskPerTrade float64
}

// ObservationSubmitter accepts settled observations without blocking.
type ObservationSubmitter interface {
	Submit(obs models.TradeObservation) bool
}

// StopListener is notified once when the experiment latches a terminal reason.
type StopListener func(ctx context.Context, d *models.StopDecision)

// Manager runs one experiment: routes trades, collects settlements and decides when to stop.
type Manager struct {
	exp        Experiment
	runID      string
	strategies map[string]domsvc.Strategy
	store      *abtest.MetricsStore
	monitor    *abtest.Monitor

	metrics       drepo.Metrics
	log           *logger.Logger
	pipeline      ObservationSubmitter
	listeners     []StopListener
	checkOnSettle bool
	notifyTimeout time.Duration
	now           func() time.Time

	excluded atomic.Int64
	notified atomic.Bool
	wg       sync.WaitGroup
}

type ManagerOption func(*Manager)

func WithMetrics(m drepo.Metrics) ManagerOption {
	return func(mg *Manager) {
		if m != nil {
			mg.metrics = m
		}
	}
}

func WithLogger(l *logger.Logger) ManagerOption {
	return func(mg *Manager) {
		if l != nil {
			mg.log = l
		}
	}
}

// WithPipeline forwards every settled observation to p for audit.
func WithPipeline(p ObservationSubmitter) ManagerOption {
	return func(mg *Manager) { mg.pipeline = p }
}

// WithStopListeners registers listeners fired once on the first terminal latch.
func WithStopListeners(ls ...StopListener) ManagerOption {
	return func(mg *Manager) { mg.listeners = append(mg.listeners, ls...) }
}

// WithCheckOnSettle runs Check synchronously after every settlement.
func WithCheckOnSettle(enabled bool) ManagerOption {
	return func(mg *Manager) { mg.checkOnSettle = enabled }
}

// WithClock replaces time.Now for the manager and its monitor.
func WithClock(now func() time.Time) ManagerOption {
	return func(mg *Manager) {
		if now != nil {
			mg.now = now
		}
	}
}

// NewManager validates the experiment and starts its clock.
func NewManager(exp Experiment, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		exp:           exp,
		runID:         uuid.NewString(),
		metrics:       metrics.Nop{},
		log:           logger.Nop(),
		notifyTimeout: 10 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.init(); err != nil {
		return nil, fmt.Errorf("experiment %q: %w", exp.Name, err)
	}
	m.log = m.log.With(logger.String("experiment", exp.Name), logger.String("run_id", m.runID))
	return m, nil
}

func (m *Manager) init() error {
	exp := m.exp
	switch {
	case exp.Name == "":
		return ErrEmptyExperiment
	case len(exp.Variants) < 2:
		return ErrTooFewVariants
	case exp.Rules == nil:
		return ErrMissingRuleSet
	case !(exp.RiskPerTrade > 0 && exp.RiskPerTrade <= 1):
		return fmt.Errorf("%w: got %v", ErrInvalidRisk, exp.RiskPerTrade)
	}

	m.strategies = make(map[string]domsvc.Strategy, len(exp.Variants))
	names := make([]string, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		if v.Strategy == nil {
			return fmt.Errorf("%w: %s", ErrNoStrategy, v.Name)
		}
		m.strategies[v.Name] = v.Strategy
		names = append(names, v.Name)
	}
	if _, ok := m.strategies[exp.Control]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownControl, exp.Control)
	}
	for _, target := range exp.Rules.Targets() {
		if _, ok := m.strategies[target]; !ok {
			return fmt.Errorf("%w: %s", abtest.ErrUnknownTarget, target)
		}
	}

	store, err := abtest.NewMetricsStore(names...)
	if err != nil {
		return err
	}
	mon, err := abtest.NewMonitor(exp.Criteria, m.now(), abtest.WithClock(m.now))
	if err != nil {
		return err
	}
	m.store, m.monitor = store, mon
	return nil
}

func (m *Manager) Name() string { return m.exp.Name }

func (m *Manager) RunID() string { return m.runID }

func (m *Manager) Control() string { return m.exp.Control }

func (m *Manager) Variants() []string { return m.store.Variants() }

// Status returns the latched stop reason without evaluating the criteria.
func (m *Manager) Status() models.StopReason { return m.monitor.Status() }

// RouteAndDecide assigns the trade to a variant and asks that variant's strategy what to do.
// ok is false when no rule matches; the trade is then excluded from the experiment.
func (m *Manager) RouteAndDecide(ctx context.Context, tradeID string, rc models.RouteContext, price float64, ind models.Indicators) (models.Decision, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Decision{}, false, err
	}
	start := m.now()
	variant, ok, err := m.exp.Rules.Select(tradeID, rc)
	if err != nil {
		return models.Decision{}, false, fmt.Errorf("route %s: %w", tradeID, err)
	}
	if !ok {
		m.excluded.Add(1)
		m.metrics.RecordExcluded(m.exp.Name)
		m.log.Debug("trade excluded", logger.String("trade_id", tradeID), logger.String("symbol", rc.Symbol))
		return models.Decision{TradeID: tradeID, Action: models.ActionHold}, false, nil
	}
	m.metrics.RecordRouted(m.exp.Name, variant)

	s := m.strategies[variant]
	d := models.Decision{TradeID: tradeID, Variant: variant, Action: models.ActionHold}
	switch {
	case s.ShouldBuy(price, ind):
		d.Action = models.ActionBuy
	case s.ShouldSell(price, ind):
		d.Action = models.ActionSell
	}
	if d.Action != models.ActionHold {
		d.Size = s.PositionSize(rc.AccountSize, m.exp.RiskPerTrade)
	}
	m.metrics.RecordLatency("route_and_decide", m.now().Sub(start).Seconds())
	return d, true, nil
}

// Settle records a settled trade for variant.
func (m *Manager) Settle(variant string, pnl float64, latency time.Duration) error {
	return m.SettleObservation(models.TradeObservation{
		Experiment: m.exp.Name,
		Variant:    variant,
		PnL:        pnl,
		Latency:    latency,
	})
}

// SettleObservation records obs and forwards it to the audit pipeline.
// Rejected observations are counted and returned as errors; saturation is logged and kept.
func (m *Manager) SettleObservation(obs models.TradeObservation) error {
	err := m.store.Record(obs.Variant, obs.PnL, obs.Latency)
	switch {
	case errors.Is(err, abtest.ErrUnknownVariant):
		m.metrics.RecordRejected(m.exp.Name, "unknown_variant")
		return err
	case errors.Is(err, abtest.ErrInvalidObservation):
		m.metrics.RecordRejected(m.exp.Name, "invalid")
		return err
	case errors.Is(err, abtest.ErrPnLSaturated):
		m.log.Warn("pnl saturated", logger.String("variant", obs.Variant), logger.Float64("pnl", obs.PnL))
	case err != nil:
		return err
	}
	m.metrics.RecordSettled(m.exp.Name, obs.Variant)

	if m.pipeline != nil {
		if obs.Experiment == "" {
			obs.Experiment = m.exp.Name
		}
		if obs.Timestamp.IsZero() {
			obs.Timestamp = m.now().UTC()
		}
		m.pipeline.Submit(obs)
	}
	if m.checkOnSettle {
		m.Check()
	}
	return nil
}

// UpdateDrawdown folds an externally measured drawdown into the variant's maximum.
func (m *Manager) UpdateDrawdown(variant string, value float64) error {
	return m.store.UpdateDrawdown(variant, value)
}

// Check evaluates the stopping criteria. The first terminal result notifies listeners once.
func (m *Manager) Check() models.StopReason {
	start := m.now()
	control, challengers, quiet := m.snapshots(true)
	if !quiet && start.Sub(m.monitor.StartedAt()) < m.exp.Criteria.MaxDuration {
		// settlements still landing; a later check sees a settled view
		m.log.Debug("check deferred", logger.String("experiment", m.exp.Name))
		return m.monitor.Status()
	}
	reason := m.monitor.Check(control, challengers...)
	m.metrics.RecordLatency("check", m.now().Sub(start).Seconds())
	if reason.Terminal() {
		m.notify(reason)
	}
	return reason
}

// Stop latches a manual stop. An earlier terminal reason is kept and returned.
func (m *Manager) Stop(note string) models.StopReason {
	reason := m.monitor.ManualStop(note)
	m.notify(reason)
	return reason
}

// Report summarizes the experiment. It never mutates state.
func (m *Manager) Report() *models.Report {
	control, challengers, _ := m.snapshots(false)
	status := m.monitor.Status()
	if !status.Terminal() {
		status.InsufficientData = m.belowMinimum(control, challengers)
	}
	return buildReport(reportInput{
		experiment: m.exp.Name,
		runID:      m.runID,
		startedAt:  m.monitor.StartedAt(),
		now:        m.now(),
		confidence: m.exp.Criteria.Confidence(),
		control:    control,
		challenger: challengers,
		status:     status,
		rejected:   m.store.Rejected(),
		excluded:   m.excluded.Load(),
		saturated:  m.store.Saturated(),
	})
}

// Wait blocks until pending stop notifications have finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// snapshots reads every variant. quiet is false when a stable read saw writers in flight.
func (m *Manager) snapshots(stable bool) (control abtest.Snapshot, challengers []abtest.Snapshot, quiet bool) {
	quiet = true
	challengers = make([]abtest.Snapshot, 0, len(m.exp.Variants)-1)
	for _, name := range m.store.Variants() {
		var snap abtest.Snapshot
		if stable {
			s, ok, _ := m.store.StableSnapshot(name, stableReadAttempts)
			quiet = quiet && ok
			snap = s
		} else {
			snap, _ = m.store.Snapshot(name)
		}
		if name == m.exp.Control {
			control = snap
		} else {
			challengers = append(challengers, snap)
		}
	}
	return control, challengers, quiet
}

func (m *Manager) belowMinimum(control abtest.Snapshot, challengers []abtest.Snapshot) bool {
	floor := m.exp.Criteria.MinTradesPerVariant
	if control.Trades < floor {
		return true
	}
	for _, ch := range challengers {
		if ch.Trades < floor {
			return true
		}
	}
	return false
}

func (m *Manager) notify(reason models.StopReason) {
	if !reason.Terminal() || !m.notified.CompareAndSwap(false, true) {
		return
	}
	m.metrics.RecordStop(m.exp.Name, reason.Kind.String())
	m.log.Info("experiment stopped", logger.String("reason", reason.String()))

	d := &models.StopDecision{
		ID:         uuid.NewString(),
		Experiment: m.exp.Name,
		RunID:      m.runID,
		Reason:     reason,
		Report:     m.Report(),
	}
	if len(m.listeners) == 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.notifyTimeout)
		defer cancel()
		for _, l := range m.listeners {
			l(ctx, d)
		}
	}()
}

// JournalListener writes stop decisions to j.
func JournalListener(j drepo.DecisionJournal, l *logger.Logger) StopListener {
	return func(ctx context.Context, d *models.StopDecision) {
		if err := j.StoreDecision(ctx, d); err != nil {
			l.Error("journal stop decision", logger.String("experiment", d.Experiment), logger.Error(err))
		}
	}
}

// PublisherListener announces stop decisions through p.
func PublisherListener(p drepo.DecisionPublisher, l *logger.Logger) StopListener {
	return func(ctx context.Context, d *models.StopDecision) {
		if err := p.PublishDecision(ctx, d); err != nil {
			l.Error("publish stop decision", logger.String("experiment", d.Experiment), logger.Error(err))
		}
	}
}

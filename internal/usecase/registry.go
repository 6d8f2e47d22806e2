package usecase

import (
	"errors"
	"fmt"
	"sync"

	"StratSplit/internal/domain/models"
	"StratSplit/internal/services/abtest"
	"StratSplit/internal/services/strategy"
	"StratSplit/pkg/config"
)

var (
	ErrExperimentNotFound  = errors.New("experiment not found")
	ErrDuplicateExperiment = errors.New("experiment already registered")
)

// Registry holds the managers of every running experiment.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
	order    []string
}

func NewRegistry(ms ...*Manager) (*Registry, error) {
	r := &Registry{managers: make(map[string]*Manager, len(ms))}
	for _, m := range ms {
		if err := r.Add(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewRegistryFromConfig builds one manager per configured experiment. opts apply to every manager.
func NewRegistryFromConfig(cfgs []config.ExperimentConfig, opts ...ManagerOption) (*Registry, error) {
	r := &Registry{managers: make(map[string]*Manager, len(cfgs))}
	for _, c := range cfgs {
		exp, err := ExperimentFromConfig(c)
		if err != nil {
			return nil, err
		}
		m, err := NewManager(exp, opts...)
		if err != nil {
			return nil, err
		}
		if err := r.Add(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Add(m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.managers[m.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateExperiment, m.Name())
	}
	r.managers[m.Name()] = m
	r.order = append(r.order, m.Name())
	return nil
}

func (r *Registry) Get(name string) (*Manager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, name)
	}
	return m, nil
}

// All returns managers in registration order.
func (r *Registry) All() []*Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manager, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.managers[name])
	}
	return out
}

// ExperimentFromConfig resolves strategies and routing rules for one configured experiment.
// Without traffic_split or rules, traffic is split evenly across variants.
func ExperimentFromConfig(c config.ExperimentConfig) (Experiment, error) {
	exp := Experiment{
		Name:    c.Name,
		Control: c.Control,
		Criteria: models.StoppingCriteria{
			MinTradesPerVariant: c.MinTradesRequired,
			MaxDuration:         c.MaxDuration,
			SignificanceLevel:   1 - c.Confidence,
			HarmThresholdPct:    c.HarmThreshold,
			StopOnHarm:          c.StopOnHarmEnabled(),
		},
		RiskPerTrade: c.RiskPerTrade,
	}
	for _, v := range c.Variants {
		s, err := strategy.FromConfig(v.Strategy)
		if err != nil {
			return Experiment{}, fmt.Errorf("experiment %q variant %q: %w", c.Name, v.Name, err)
		}
		exp.Variants = append(exp.Variants, Variant{Name: v.Name, Strategy: s})
	}

	rs, err := ruleSetFromConfig(c)
	if err != nil {
		return Experiment{}, fmt.Errorf("experiment %q: %w", c.Name, err)
	}
	exp.Rules = rs
	return exp, nil
}

func ruleSetFromConfig(c config.ExperimentConfig) (*abtest.RuleSet, error) {
	opts := []abtest.RuleSetOption{abtest.WithSalt(c.Name), abtest.WithSymbolInHash(c.SymbolInHash)}

	if c.TrafficSplit != nil {
		var challenger string
		for _, v := range c.Variants {
			if v.Name != c.Control {
				challenger = v.Name
				break
			}
		}
		return abtest.SplitRules(c.Control, challenger, *c.TrafficSplit, opts...)
	}

	if len(c.Rules) == 0 {
		rules := make([]abtest.Rule, 0, len(c.Variants))
		for _, v := range c.Variants {
			rules = append(rules, abtest.Rule{Variant: v.Name, Weight: 1})
		}
		return abtest.NewRuleSet(rules, opts...)
	}

	rules := make([]abtest.Rule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		r := abtest.Rule{Variant: rc.Variant, Weight: rc.Weight}
		for _, cc := range rc.Conditions {
			r.Conditions = append(r.Conditions, abtest.Condition{
				Kind:       abtest.ConditionKind(cc.Kind),
				Symbol:     cc.Symbol,
				StartHour:  cc.StartHour,
				EndHour:    cc.EndHour,
				MinAccount: cc.MinAccount,
				MaxAccount: cc.MaxAccount,
			})
		}
		rules = append(rules, r)
	}
	return abtest.NewRuleSet(rules, opts...)
}

package abtest

import (
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"StratSplit/internal/domain/models"
)

var (
	ErrZeroWeight    = errors.New("abtest: total rule weight is zero")
	ErrInvalidSplit  = errors.New("abtest: traffic split must be within [0,1]")
	ErrInvalidRule   = errors.New("abtest: invalid rule")
	ErrNoRules       = errors.New("abtest: rule set is empty")
	ErrUnknownTarget = errors.New("abtest: rule targets unknown variant")
)

// splitScale is the weight resolution used when a fraction is turned into rules.
const splitScale = 10_000

// ConditionKind selects which RouteContext attribute a Condition inspects.
type ConditionKind string

const (
	CondAlways      ConditionKind = "always"
	CondSymbol      ConditionKind = "symbol"
	CondHourRange   ConditionKind = "hour_range"
	CondAccountSize ConditionKind = "account_size"
)

// Condition is a single predicate over a RouteContext.
type Condition struct {
	Kind   ConditionKind `yaml:"kind" json:"kind"`
	Symbol string        `yaml:"symbol" json:"symbol,omitempty"`
	// Hours are UTC, [StartHour, EndHour). StartHour > EndHour wraps past midnight.
	StartHour int `yaml:"start_hour" json:"start_hour,omitempty"`
	EndHour   int `yaml:"end_hour" json:"end_hour,omitempty"`
	// Account size in [MinAccount, MaxAccount). MaxAccount <= 0 means no upper bound.
	MinAccount float64 `yaml:"min_account" json:"min_account,omitempty"`
	MaxAccount float64 `yaml:"max_account" json:"max_account,omitempty"`
}

// Matches reports whether rc satisfies the condition. Missing attributes never match.
func (c Condition) Matches(rc models.RouteContext) bool {
	switch c.Kind {
	case CondAlways, "":
		return true
	case CondSymbol:
		return rc.Symbol != "" && rc.Symbol == c.Symbol
	case CondHourRange:
		if rc.Time.IsZero() {
			return false
		}
		h := rc.Time.UTC().Hour()
		if c.StartHour <= c.EndHour {
			return h >= c.StartHour && h < c.EndHour
		}
		return h >= c.StartHour || h < c.EndHour
	case CondAccountSize:
		if rc.AccountSize <= 0 {
			return false
		}
		if rc.AccountSize < c.MinAccount {
			return false
		}
		return c.MaxAccount <= 0 || rc.AccountSize < c.MaxAccount
	default:
		return false
	}
}

func (c Condition) validate() error {
	switch c.Kind {
	case CondAlways, "":
		return nil
	case CondSymbol:
		if c.Symbol == "" {
			return fmt.Errorf("%w: symbol condition without symbol", ErrInvalidRule)
		}
	case CondHourRange:
		if c.StartHour < 0 || c.StartHour > 23 || c.EndHour < 0 || c.EndHour > 24 || c.StartHour == c.EndHour {
			return fmt.Errorf("%w: hour range [%d,%d)", ErrInvalidRule, c.StartHour, c.EndHour)
		}
	case CondAccountSize:
		if c.MinAccount < 0 || (c.MaxAccount > 0 && c.MaxAccount <= c.MinAccount) {
			return fmt.Errorf("%w: account range [%v,%v)", ErrInvalidRule, c.MinAccount, c.MaxAccount)
		}
	default:
		return fmt.Errorf("%w: unknown condition kind %q", ErrInvalidRule, c.Kind)
	}
	return nil
}

// Rule sends a weighted share of matching trades to Variant. All conditions must match;
// a rule without conditions is unconditional.
type Rule struct {
	Variant    string      `yaml:"variant" json:"variant"`
	Weight     uint32      `yaml:"weight" json:"weight"`
	Conditions []Condition `yaml:"conditions" json:"conditions,omitempty"`
}

func (r Rule) matches(rc models.RouteContext) bool {
	for _, c := range r.Conditions {
		if !c.Matches(rc) {
			return false
		}
	}
	return true
}

// RuleSet is an immutable, validated list of rules. Order is significant.
type RuleSet struct {
	rules          []Rule
	salt           string
	saltWithSymbol bool
}

// RuleSetOption configures a RuleSet.
type RuleSetOption func(*RuleSet)

// WithSalt mixes a constant (usually the experiment name) into the hash so
// different experiments split the same trade ids independently.
func WithSalt(salt string) RuleSetOption {
	return func(rs *RuleSet) { rs.salt = salt }
}

// WithSymbolInHash mixes the context symbol into the hash.
func WithSymbolInHash(enabled bool) RuleSetOption {
	return func(rs *RuleSet) { rs.saltWithSymbol = enabled }
}

// NewRuleSet validates rules and freezes them. Zero total weight is a configuration error.
func NewRuleSet(rules []Rule, opts ...RuleSetOption) (*RuleSet, error) {
	if len(rules) == 0 {
		return nil, ErrNoRules
	}
	var total uint64
	frozen := make([]Rule, len(rules))
	for i, r := range rules {
		if r.Variant == "" {
			return nil, fmt.Errorf("%w: rule %d has no variant", ErrInvalidRule, i)
		}
		for _, c := range r.Conditions {
			if err := c.validate(); err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
		}
		total += uint64(r.Weight)
		frozen[i] = Rule{
			Variant:    r.Variant,
			Weight:     r.Weight,
			Conditions: append([]Condition(nil), r.Conditions...),
		}
	}
	if total == 0 {
		return nil, ErrZeroWeight
	}
	rs := &RuleSet{rules: frozen}
	for _, opt := range opts {
		opt(rs)
	}
	return rs, nil
}

// SplitRules builds an unconditional two-arm rule set sending fraction of trades to experiment.
func SplitRules(control, experiment string, fraction float64, opts ...RuleSetOption) (*RuleSet, error) {
	if math.IsNaN(fraction) || fraction < 0 || fraction > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidSplit, fraction)
	}
	expW := uint32(math.Round(fraction * splitScale))
	return NewRuleSet([]Rule{
		{Variant: control, Weight: splitScale - expW},
		{Variant: experiment, Weight: expW},
	}, opts...)
}

// Targets returns the distinct variants the rules can route to, in rule order.
func (rs *RuleSet) Targets() []string {
	seen := make(map[string]struct{}, len(rs.rules))
	var out []string
	for _, r := range rs.rules {
		if _, ok := seen[r.Variant]; ok {
			continue
		}
		seen[r.Variant] = struct{}{}
		out = append(out, r.Variant)
	}
	return out
}

// Select is a pure function of (tradeID, rc, rs): it always returns the same variant for the
// same inputs. ok is false when no rule matches; callers exclude the trade from the experiment.
func Select(tradeID string, rc models.RouteContext, rs *RuleSet) (variant string, ok bool, err error) {
	if rs == nil {
		return "", false, ErrNoRules
	}
	var total uint64
	matched := 0
	for _, r := range rs.rules {
		if r.matches(rc) {
			total += uint64(r.Weight)
			matched++
		}
	}
	if matched == 0 {
		return "", false, nil
	}
	if total == 0 {
		return "", false, ErrZeroWeight
	}

	point := rs.hash(tradeID, rc) % total
	var acc uint64
	for _, r := range rs.rules {
		if !r.matches(rc) {
			continue
		}
		acc += uint64(r.Weight)
		if point < acc {
			return r.Variant, true, nil
		}
	}
	// unreachable: point < total == acc after the walk
	return "", false, ErrZeroWeight
}

// Select is the method form of the package-level Select.
func (rs *RuleSet) Select(tradeID string, rc models.RouteContext) (string, bool, error) {
	return Select(tradeID, rc, rs)
}

func (rs *RuleSet) hash(tradeID string, rc models.RouteContext) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(rs.salt)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(tradeID)
	if rs.saltWithSymbol {
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(rc.Symbol)
	}
	return d.Sum64()
}

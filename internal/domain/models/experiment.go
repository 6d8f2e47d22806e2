package models

import (
	"time"

	"StratSplit/pkg/util"
)

// Indicators is the read-only market snapshot a strategy decides on.
// Supplied by the market-data collaborator; never fetched here.
type Indicators struct {
	RSI     float64 `json:"rsi"`
	MACD    float64 `json:"macd"`
	SMAFast float64 `json:"sma_fast"`
	SMASlow float64 `json:"sma_slow"`
	Volume  float64 `json:"volume"`
}

// RouteContext carries the optional attributes router conditions match on.
// Zero values mean "not provided" and never satisfy a condition on that attribute.
type RouteContext struct {
	Symbol      string    `json:"symbol,omitempty"`
	Time        time.Time `json:"time,omitempty"`
	AccountSize float64   `json:"account_size,omitempty"`
}

// Action is the side a strategy chose for a trade.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Decision is a strategy decision tagged with the variant that made it.
type Decision struct {
	TradeID string  `json:"trade_id"`
	Variant string  `json:"variant"`
	Action  Action  `json:"action"`
	Size    float64 `json:"size"`
}

// TradeObservation records one settled trade. Produced once, never mutated.
type TradeObservation struct {
	Experiment string        `json:"experiment"`
	TradeID    string        `json:"trade_id"`
	Variant    string        `json:"variant"`
	PnL        float64       `json:"pnl"`
	Latency    time.Duration `json:"latency"`
	Timestamp  time.Time     `json:"ts"`
}

// SettlementEvent is the wire form of a settled trade on the settlement topic.
type SettlementEvent struct {
	Experiment string  `json:"experiment"`
	TradeID    string  `json:"trade_id"`
	Variant    string  `json:"variant"`
	PnL        float64 `json:"pnl"`
	LatencyMs  float64 `json:"latency_ms"`
	Timestamp  int64   `json:"ts"`
}

// Observation converts the event into a TradeObservation.
func (e SettlementEvent) Observation() TradeObservation {
	ts := util.EpochToTime(e.Timestamp)
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return TradeObservation{
		Experiment: e.Experiment,
		TradeID:    e.TradeID,
		Variant:    e.Variant,
		PnL:        e.PnL,
		Latency:    time.Duration(e.LatencyMs * float64(time.Millisecond)),
		Timestamp:  ts,
	}
}

// StoppingCriteria decides when an experiment result can be trusted.
// Immutable once the experiment starts.
type StoppingCriteria struct {
	MinTradesPerVariant int64
	MaxDuration         time.Duration
	// SignificanceLevel is alpha; the required confidence is 1 - alpha.
	SignificanceLevel float64
	// HarmThresholdPct is a negative percentage, e.g. -10.
	HarmThresholdPct float64
	StopOnHarm       bool
}

// DefaultStoppingCriteria returns the documented defaults.
func DefaultStoppingCriteria() StoppingCriteria {
	return StoppingCriteria{
		MinTradesPerVariant: 100,
		MaxDuration:         7 * 24 * time.Hour,
		SignificanceLevel:   0.05,
		HarmThresholdPct:    -10,
		StopOnHarm:          true,
	}
}

// Confidence returns the required confidence level (1 - alpha).
func (c StoppingCriteria) Confidence() float64 { return 1 - c.SignificanceLevel }

package models

import "time"

// RouteRequest asks an experiment to assign a trade and decide on it.
type RouteRequest struct {
	Name        string     `param:"name" validate:"required"`
	TradeID     string     `json:"trade_id" validate:"required"`
	Symbol      string     `json:"symbol"`
	Time        *time.Time `json:"time"`
	AccountSize float64    `json:"account_size" validate:"gte=0"`
	Price       float64    `json:"price" validate:"gte=0"`
	Indicators  Indicators `json:"indicators"`
}

// Context returns the routing attributes of the request.
func (r *RouteRequest) Context() RouteContext {
	rc := RouteContext{Symbol: r.Symbol, AccountSize: r.AccountSize}
	if r.Time != nil {
		rc.Time = *r.Time
	}
	return rc
}

// RouteResponse is the decision plus whether the trade takes part in the experiment.
type RouteResponse struct {
	Decision Decision `json:"decision"`
	Included bool     `json:"included"`
}

// SettleRequest reports a settled trade over HTTP.
type SettleRequest struct {
	Name      string  `param:"name" validate:"required"`
	TradeID   string  `json:"trade_id"`
	Variant   string  `json:"variant" validate:"required"`
	PnL       float64 `json:"pnl"`
	LatencyMs float64 `json:"latency_ms" validate:"gte=0"`
	Timestamp int64   `json:"ts"`
}

// Event converts the request into its settlement event form.
func (r *SettleRequest) Event() SettlementEvent {
	return SettlementEvent{
		Experiment: r.Name,
		TradeID:    r.TradeID,
		Variant:    r.Variant,
		PnL:        r.PnL,
		LatencyMs:  r.LatencyMs,
		Timestamp:  r.Timestamp,
	}
}

type StopRequest struct {
	Name string `param:"name" validate:"required"`
	Note string `json:"note" validate:"max=256"`
}

type ReportRequest struct {
	Name   string `param:"name" validate:"required"`
	Format string `query:"format" default:"json" validate:"oneof=json text"`
	Cached bool   `query:"cached"`
}

// PlanRequest asks for the per-arm sample size of a two-proportion test.
type PlanRequest struct {
	Baseline float64 `query:"baseline" json:"baseline" validate:"gt=0,lt=1"`
	Effect   float64 `query:"effect" json:"effect" validate:"gt=0,lt=1"`
	Alpha    float64 `query:"alpha" json:"alpha" default:"0.05" validate:"gt=0,lt=1"`
	Power    float64 `query:"power" json:"power" default:"0.8" validate:"gt=0,lt=1"`
}

type PlanResponse struct {
	PlanRequest
	PerVariant int64 `json:"per_variant"`
}

// ExperimentSummary is one row of the experiment listing.
type ExperimentSummary struct {
	Name     string     `json:"name"`
	RunID    string     `json:"run_id"`
	Control  string     `json:"control"`
	Variants []string   `json:"variants"`
	Status   StopReason `json:"status"`
}

package models

import "time"

// VariantReport is the per-variant line of an experiment report.
type VariantReport struct {
	Name        string        `json:"name"`
	Control     bool          `json:"control"`
	Trades      int64         `json:"trades"`
	Wins        int64         `json:"wins"`
	WinRate     float64       `json:"win_rate"`
	PnL         float64       `json:"pnl"`
	MaxDrawdown float64       `json:"max_drawdown"`
	AvgLatency  time.Duration `json:"avg_latency"`
}

// Comparison holds the statistics of one challenger against the control.
type Comparison struct {
	Control     string  `json:"control"`
	Challenger  string  `json:"challenger"`
	ZScore      float64 `json:"z_score"`
	PValue      float64 `json:"p_value"`
	CILower     float64 `json:"ci_lower"`
	CIUpper     float64 `json:"ci_upper"`
	WinRateLift float64 `json:"win_rate_lift_pct"`
	PnLLift     float64 `json:"pnl_lift_pct"`
}

// Report is a read-only summary of an experiment at a point in time.
type Report struct {
	Experiment  string          `json:"experiment"`
	RunID       string          `json:"run_id"`
	StartedAt   time.Time       `json:"started_at"`
	GeneratedAt time.Time       `json:"generated_at"`
	Elapsed     time.Duration   `json:"elapsed"`
	Variants    []VariantReport `json:"variants"`
	Comparisons []Comparison    `json:"comparisons"`
	Status      StopReason      `json:"status"`

	// Set once a terminal reason names a winner.
	Winner     string  `json:"winner,omitempty"`
	LiftPct    float64 `json:"lift_pct,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	Rejected  int64 `json:"rejected_observations"`
	Excluded  int64 `json:"excluded_trades"`
	Saturated bool  `json:"pnl_saturated"`
}

package models

import (
	"fmt"
	"time"
)

// StopKind enumerates the closed set of stopping outcomes.
type StopKind int

const (
	StillRunning StopKind = iota
	SignificanceReached
	TimeExpired
	HarmDetected
	ManualStop
)

func (k StopKind) String() string {
	switch k {
	case StillRunning:
		return "running"
	case SignificanceReached:
		return "significance_reached"
	case TimeExpired:
		return "time_expired"
	case HarmDetected:
		return "harm_detected"
	case ManualStop:
		return "manual_stop"
	default:
		return fmt.Sprintf("stop_kind(%d)", int(k))
	}
}

// MarshalText lets StopKind render as its name in JSON.
func (k StopKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *StopKind) UnmarshalText(b []byte) error {
	for c := StillRunning; c <= ManualStop; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown stop kind %q", b)
}

// StopReason is the outcome of a stopping check. Only StillRunning is non-terminal.
type StopReason struct {
	Kind StopKind `json:"kind"`

	// SignificanceReached
	Winner     string  `json:"winner,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	PValue     float64 `json:"p_value,omitempty"`

	// HarmDetected
	Variant     string  `json:"variant,omitempty"`
	LossPercent float64 `json:"loss_percent,omitempty"`

	// ManualStop
	Note string `json:"note,omitempty"`

	// StillRunning: at least one arm is below the minimum sample size.
	InsufficientData bool `json:"insufficient_data,omitempty"`

	At time.Time `json:"at,omitempty"`
}

// Terminal reports whether the reason ends the experiment.
func (r StopReason) Terminal() bool { return r.Kind != StillRunning }

func (r StopReason) String() string {
	switch r.Kind {
	case StillRunning:
		if r.InsufficientData {
			return "insufficient data"
		}
		return "running"
	case SignificanceReached:
		return fmt.Sprintf("significance reached: winner=%s confidence=%.2f%%", r.Winner, r.Confidence*100)
	case TimeExpired:
		return "time expired"
	case HarmDetected:
		return fmt.Sprintf("harm detected: variant=%s loss=%.2f%%", r.Variant, r.LossPercent)
	case ManualStop:
		if r.Note != "" {
			return "manual stop: " + r.Note
		}
		return "manual stop"
	default:
		return r.Kind.String()
	}
}

// StopDecision is the audit record emitted once when an experiment latches a terminal reason.
type StopDecision struct {
	ID         string     `json:"id"`
	Experiment string     `json:"experiment"`
	RunID      string     `json:"run_id"`
	Reason     StopReason `json:"reason"`
	Report     *Report    `json:"report,omitempty"`
}

package usecase

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"StratSplit/internal/domain/models"
	"StratSplit/internal/services/abtest"
)

type reportInput struct {
	experiment string
	runID      string
	startedAt  time.Time
	now        time.Time
	confidence float64
	control    abtest.Snapshot
	challenger []abtest.Snapshot
	status     models.StopReason
	rejected   int64
	excluded   int64
	saturated  bool
}

func buildReport(in reportInput) *models.Report {
	r := &models.Report{
		Experiment:  in.experiment,
		RunID:       in.runID,
		StartedAt:   in.startedAt,
		GeneratedAt: in.now,
		Elapsed:     in.now.Sub(in.startedAt),
		Status:      in.status,
		Rejected:    in.rejected,
		Excluded:    in.excluded,
		Saturated:   in.saturated,
	}
	r.Variants = append(r.Variants, variantReport(in.control, true))
	for _, ch := range in.challenger {
		r.Variants = append(r.Variants, variantReport(ch, false))
		r.Comparisons = append(r.Comparisons, compare(in.control, ch, in.confidence))
	}

	switch in.status.Kind {
	case models.SignificanceReached:
		r.Winner = in.status.Winner
		r.Confidence = in.status.Confidence
		r.LiftPct = winnerLift(in, in.status.Winner)
	case models.HarmDetected:
		r.Winner = in.control.Variant
		r.LiftPct = in.status.LossPercent
	}
	return r
}

func variantReport(s abtest.Snapshot, control bool) models.VariantReport {
	return models.VariantReport{
		Name:        s.Variant,
		Control:     control,
		Trades:      s.Trades,
		Wins:        s.Wins,
		WinRate:     s.WinRate(),
		PnL:         s.PnL(),
		MaxDrawdown: s.MaxDrawdown(),
		AvgLatency:  s.AvgLatency(),
	}
}

func compare(control, ch abtest.Snapshot, confidence float64) models.Comparison {
	z := abtest.ZScoreProportions(control.Wins, control.Trades, ch.Wins, ch.Trades)
	ci := abtest.ConfidenceInterval(control.WinRate(), control.Trades, ch.WinRate(), ch.Trades, confidence)
	return models.Comparison{
		Control:     control.Variant,
		Challenger:  ch.Variant,
		ZScore:      z,
		PValue:      abtest.PValueFromZ(z),
		CILower:     ci.Lower,
		CIUpper:     ci.Upper,
		WinRateLift: abtest.Lift(control.WinRate(), ch.WinRate()),
		PnLLift:     abtest.Lift(control.PnL(), ch.PnL()),
	}
}

// winnerLift is the winner's P&L change relative to the arm it beat.
func winnerLift(in reportInput, winner string) float64 {
	if winner == in.control.Variant {
		best, found := abtest.Snapshot{}, false
		for _, ch := range in.challenger {
			if !found || ch.PnLCents > best.PnLCents {
				best, found = ch, true
			}
		}
		if !found {
			return 0
		}
		return abtest.Lift(best.PnL(), in.control.PnL())
	}
	for _, ch := range in.challenger {
		if ch.Variant == winner {
			return abtest.Lift(in.control.PnL(), ch.PnL())
		}
	}
	return 0
}

func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

// RenderText formats a report for operators.
func RenderText(r *models.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Experiment: %s (run %s)\n", r.Experiment, r.RunID)
	fmt.Fprintf(&b, "Elapsed: %s\n", r.Elapsed.Truncate(time.Second))
	fmt.Fprintf(&b, "Status: %s\n\n", r.Status.String())

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VARIANT\tTRADES\tWIN RATE\tPNL\tMAX DD\tAVG LATENCY\t")
	for _, v := range r.Variants {
		name := v.Name
		if v.Control {
			name += " (control)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%.2f%%\t%s\t%s\t%s\t\n",
			name, v.Trades, v.WinRate*100, money(v.PnL), money(v.MaxDrawdown), v.AvgLatency)
	}
	_ = tw.Flush()

	if len(r.Comparisons) > 0 {
		b.WriteString("\n")
		for _, c := range r.Comparisons {
			fmt.Fprintf(&b, "%s vs %s: z=%.3f p=%.4f ci=[%.4f, %.4f] win-rate lift=%.2f%% pnl lift=%.2f%%\n",
				c.Challenger, c.Control, c.ZScore, c.PValue, c.CILower, c.CIUpper, c.WinRateLift, c.PnLLift)
		}
	}

	if r.Winner != "" {
		fmt.Fprintf(&b, "\nWinner: %s (lift %.2f%%", r.Winner, r.LiftPct)
		if r.Confidence > 0 {
			fmt.Fprintf(&b, ", confidence %.2f%%", r.Confidence*100)
		}
		b.WriteString(")\n")
	}

	fmt.Fprintf(&b, "\nRejected observations: %d\nExcluded trades: %d\n", r.Rejected, r.Excluded)
	if r.Saturated {
		b.WriteString("WARNING: P&L saturated; totals are pinned at their bound\n")
	}
	return b.String()
}

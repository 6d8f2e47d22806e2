package abtest

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

var ErrInvalidPlan = errors.New("abtest: invalid sample size inputs")

// Abramowitz & Stegun 26.2.17 coefficients; |error| < 7.5e-8.
const (
	cdfP  = 0.2316419
	cdfB1 = 0.319381530
	cdfB2 = -0.356563782
	cdfB3 = 1.781477937
	cdfB4 = -1.821255978
	cdfB5 = 1.330274429
)

var invSqrt2Pi = 1 / math.Sqrt(2*math.Pi)

// ZScoreProportions is the pooled two-proportion z statistic of B against A.
// Positive when B's rate is higher. Returns 0 when either sample is empty or the pooled
// variance is zero.
func ZScoreProportions(winsA, nA, winsB, nB int64) float64 {
	if nA <= 0 || nB <= 0 {
		return 0
	}
	pA := float64(winsA) / float64(nA)
	pB := float64(winsB) / float64(nB)
	pooled := float64(winsA+winsB) / float64(nA+nB)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(nA) + 1/float64(nB)))
	if se == 0 || math.IsNaN(se) {
		return 0
	}
	return (pB - pA) / se
}

// NormalCDF is the standard normal CDF by polynomial approximation (A&S 26.2.17).
func NormalCDF(x float64) float64 {
	if math.IsNaN(x) {
		return math.NaN()
	}
	ax := math.Abs(x)
	t := 1 / (1 + cdfP*ax)
	poly := t * (cdfB1 + t*(cdfB2+t*(cdfB3+t*(cdfB4+t*cdfB5))))
	upper := invSqrt2Pi * math.Exp(-ax*ax/2) * poly
	if x >= 0 {
		return 1 - upper
	}
	return upper
}

// PValueFromZ returns the two-sided p-value of z.
func PValueFromZ(z float64) float64 {
	if math.IsNaN(z) {
		return 1
	}
	p := 2 * (1 - NormalCDF(math.Abs(z)))
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// ZMultiplier maps a confidence level to its two-sided z multiplier.
// Only 0.90, 0.95 and 0.99 are recognised; every other level, including typos such as 95
// instead of 0.95, silently uses the 95% multiplier 1.96.
func ZMultiplier(confidence float64) float64 {
	switch {
	case approx(confidence, 0.90):
		return 1.645
	case approx(confidence, 0.99):
		return 2.576
	default:
		return 1.96
	}
}

// Interval is a confidence interval on the difference p2 - p1.
type Interval struct {
	Diff  float64
	Lower float64
	Upper float64
}

// ConfidenceInterval is the Wald interval on p2 - p1 at the given confidence (see ZMultiplier).
// Empty samples yield the zero Interval.
func ConfidenceInterval(p1 float64, n1 int64, p2 float64, n2 int64, confidence float64) Interval {
	if n1 <= 0 || n2 <= 0 {
		return Interval{}
	}
	diff := p2 - p1
	se := math.Sqrt(p1*(1-p1)/float64(n1) + p2*(1-p2)/float64(n2))
	if math.IsNaN(se) {
		se = 0
	}
	m := ZMultiplier(confidence) * se
	return Interval{Diff: diff, Lower: diff - m, Upper: diff + m}
}

// RequiredSampleSize returns the per-arm sample size needed to detect an absolute lift of
// minimumEffect over baselineRate with two-sided significance alpha and the given power.
func RequiredSampleSize(baselineRate, minimumEffect, alpha, power float64) (int64, error) {
	p1 := baselineRate
	p2 := baselineRate + minimumEffect
	switch {
	case p1 <= 0 || p1 >= 1:
		return 0, fmt.Errorf("%w: baseline %v outside (0,1)", ErrInvalidPlan, baselineRate)
	case minimumEffect <= 0 || p2 >= 1:
		return 0, fmt.Errorf("%w: effect %v", ErrInvalidPlan, minimumEffect)
	case alpha <= 0 || alpha >= 1:
		return 0, fmt.Errorf("%w: alpha %v", ErrInvalidPlan, alpha)
	case power <= 0 || power >= 1:
		return 0, fmt.Errorf("%w: power %v", ErrInvalidPlan, power)
	}

	zAlpha := distuv.UnitNormal.Quantile(1 - alpha/2)
	zBeta := distuv.UnitNormal.Quantile(power)
	pBar := (p1 + p2) / 2

	num := zAlpha*math.Sqrt(2*pBar*(1-pBar)) + zBeta*math.Sqrt(p1*(1-p1)+p2*(1-p2))
	n := (num * num) / (minimumEffect * minimumEffect)
	return int64(math.Ceil(n)), nil
}

// Lift is the percentage change of candidate over base. Zero base yields 0.
func Lift(base, candidate float64) float64 {
	if base == 0 {
		return 0
	}
	return (candidate - base) / math.Abs(base) * 100
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

package strategy

import (
	"math"

	"StratSplit/internal/domain/models"
	domsvc "StratSplit/internal/domain/service"
)

// Type names the built-in strategies selectable from config.
const (
	TypeRSIReversion = "rsi_reversion"
	TypeMACDMomentum = "macd_momentum"
	TypeSMACross     = "sma_cross"
)

// sizer implements the shared fixed-fraction position sizing.
type sizer struct{}

// PositionSize risks a fixed fraction of balance. Non-finite or negative inputs size to zero.
func (sizer) PositionSize(balance, risk float64) float64 {
	size := balance * risk
	if math.IsNaN(size) || math.IsInf(size, 0) || size < 0 {
		return 0
	}
	return size
}

// volumeGate blocks entries on thin markets.
type volumeGate float64

func (g volumeGate) open(ind models.Indicators) bool {
	return float64(g) <= 0 || ind.Volume >= float64(g)
}

// RSIReversion buys oversold and sells overbought markets.
type RSIReversion struct {
	sizer
	Oversold   float64
	Overbought float64
	minVolume  volumeGate
}

// NewRSIReversion creates the strategy with the classic 30/70 bands when zero values are passed.
func NewRSIReversion(oversold, overbought, minVolume float64) *RSIReversion {
	if oversold == 0 {
		oversold = 30
	}
	if overbought == 0 {
		overbought = 70
	}
	return &RSIReversion{Oversold: oversold, Overbought: overbought, minVolume: volumeGate(minVolume)}
}

func (s *RSIReversion) ShouldBuy(_ float64, ind models.Indicators) bool {
	return s.minVolume.open(ind) && ind.RSI < s.Oversold
}

func (s *RSIReversion) ShouldSell(_ float64, ind models.Indicators) bool {
	return ind.RSI > s.Overbought
}

// MACDMomentum follows the MACD line across a symmetric threshold.
type MACDMomentum struct {
	sizer
	Threshold float64
	minVolume volumeGate
}

func NewMACDMomentum(threshold, minVolume float64) *MACDMomentum {
	return &MACDMomentum{Threshold: math.Abs(threshold), minVolume: volumeGate(minVolume)}
}

func (s *MACDMomentum) ShouldBuy(_ float64, ind models.Indicators) bool {
	return s.minVolume.open(ind) && ind.MACD > s.Threshold
}

func (s *MACDMomentum) ShouldSell(_ float64, ind models.Indicators) bool {
	return ind.MACD < -s.Threshold
}

// SMACross buys when the fast average is above the slow one and price confirms it.
type SMACross struct {
	sizer
	minVolume volumeGate
}

func NewSMACross(minVolume float64) *SMACross {
	return &SMACross{minVolume: volumeGate(minVolume)}
}

func (s *SMACross) ShouldBuy(price float64, ind models.Indicators) bool {
	if ind.SMAFast == 0 || ind.SMASlow == 0 {
		return false
	}
	return s.minVolume.open(ind) && ind.SMAFast > ind.SMASlow && price >= ind.SMAFast
}

func (s *SMACross) ShouldSell(price float64, ind models.Indicators) bool {
	if ind.SMAFast == 0 || ind.SMASlow == 0 {
		return false
	}
	return ind.SMAFast < ind.SMASlow && price <= ind.SMAFast
}

var (
	_ domsvc.Strategy = (*RSIReversion)(nil)
	_ domsvc.Strategy = (*MACDMomentum)(nil)
	_ domsvc.Strategy = (*SMACross)(nil)
)

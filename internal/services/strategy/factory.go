package strategy

import (
	"errors"
	"fmt"

	domsvc "StratSplit/internal/domain/service"
	"StratSplit/pkg/config"
)

// Factory errors
var (
	ErrUnknownStrategyType = errors.New("unknown strategy type")
	ErrInvalidBands        = errors.New("rsi_reversion requires 0 < oversold < overbought < 100")
	ErrNegativeVolume      = errors.New("min_volume must not be negative")
)

// FromConfig creates a Strategy from config.StrategyConfig.
// Unset thresholds fall back to each strategy's defaults.
func FromConfig(cfg config.StrategyConfig) (domsvc.Strategy, error) {
	if cfg.MinVolume < 0 {
		return nil, ErrNegativeVolume
	}
	switch cfg.Type {
	case TypeRSIReversion:
		return fromRSIConfig(cfg)
	case TypeMACDMomentum:
		return NewMACDMomentum(deref(cfg.Threshold, 0), cfg.MinVolume), nil
	case TypeSMACross:
		return NewSMACross(cfg.MinVolume), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategyType, cfg.Type)
	}
}

func fromRSIConfig(cfg config.StrategyConfig) (*RSIReversion, error) {
	s := NewRSIReversion(deref(cfg.Oversold, 0), deref(cfg.Overbought, 0), cfg.MinVolume)
	if s.Oversold <= 0 || s.Overbought >= 100 || s.Oversold >= s.Overbought {
		return nil, ErrInvalidBands
	}
	return s, nil
}

func deref(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

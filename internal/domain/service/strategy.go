package service

import "StratSplit/internal/domain/models"

// Strategy is the opaque trading capability a variant runs.
// Implementations must be safe for concurrent use; they may be shared across experiments.
type Strategy interface {
	ShouldBuy(price float64, ind models.Indicators) bool
	ShouldSell(price float64, ind models.Indicators) bool
	PositionSize(balance, risk float64) float64
}

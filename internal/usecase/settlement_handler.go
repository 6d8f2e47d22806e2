package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"StratSplit/internal/domain/models"
	"StratSplit/internal/services/abtest"
	pkgkafka "StratSplit/pkg/kafka"
	"StratSplit/pkg/logger"
)

// SettlementHandler consumes settlement events and records them on the owning experiment.
type SettlementHandler struct {
	topic    string
	registry *Registry
	log      *logger.Logger
}

func NewSettlementHandler(topic string, registry *Registry, l *logger.Logger) *SettlementHandler {
	if l == nil {
		l = logger.Nop()
	}
	return &SettlementHandler{topic: topic, registry: registry, log: l}
}

func (h *SettlementHandler) Topic() string { return h.topic }

// Handle decodes {experiment, trade_id, variant, pnl, latency_ms, ts}.
// Malformed events and unknown experiments or variants are permanent failures.
func (h *SettlementHandler) Handle(ctx context.Context, b []byte) error {
	var ev models.SettlementEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return pkgkafka.Permanent(fmt.Errorf("decode settlement: %w", err))
	}
	if ev.Experiment == "" || ev.Variant == "" {
		return pkgkafka.Permanent(errors.New("settlement missing experiment or variant"))
	}

	m, err := h.registry.Get(ev.Experiment)
	if err != nil {
		return pkgkafka.Permanent(err)
	}
	err = m.SettleObservation(ev.Observation())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, abtest.ErrUnknownVariant), errors.Is(err, abtest.ErrInvalidObservation):
		h.log.Warn("settlement rejected",
			logger.String("experiment", ev.Experiment),
			logger.String("trade_id", ev.TradeID),
			logger.Error(err),
		)
		return pkgkafka.Permanent(err)
	default:
		return err
	}
}

var _ pkgkafka.MessageHandler = (*SettlementHandler)(nil)

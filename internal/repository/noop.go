package repository

import (
	"context"

	"StratSplit/internal/domain/models"
	domrepo "StratSplit/internal/domain/repository"
	applogger "StratSplit/pkg/logger"
)

// LogJournal stands in for ClickHouse when it is disabled. Decisions are logged, observations discarded.
type LogJournal struct {
	l *applogger.Logger
}

func NewLogJournal(l *applogger.Logger) *LogJournal {
	if l == nil {
		l = applogger.Nop()
	}
	return &LogJournal{l: l}
}

func (j *LogJournal) StoreObservations(_ context.Context, obs []models.TradeObservation) error {
	j.l.Debug("observations discarded", applogger.Int("count", len(obs)))
	return nil
}

func (j *LogJournal) StoreDecision(_ context.Context, d *models.StopDecision) error {
	j.l.Info("experiment decision",
		applogger.String("id", d.ID),
		applogger.String("experiment", d.Experiment),
		applogger.String("reason", d.Reason.String()),
	)
	return nil
}

// NopPublisher drops decisions when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishDecision(context.Context, *models.StopDecision) error { return nil }
func (NopPublisher) Close() error                                               { return nil }

var (
	_ domrepo.ObservationSink   = (*LogJournal)(nil)
	_ domrepo.DecisionJournal   = (*LogJournal)(nil)
	_ domrepo.DecisionPublisher = NopPublisher{}
)

package repository

import (
	"context"
	"time"

	"StratSplit/internal/domain/models"
)

// Metrics records operational counters for experiments.
type Metrics interface {
	RecordSettled(experiment, variant string)
	RecordRejected(experiment, reason string)
	RecordRouted(experiment, variant string)
	RecordExcluded(experiment string)
	RecordStop(experiment, kind string)
	RecordLatency(op string, seconds float64)
	RecordBufferDepth(name string, n int)
}

// ObservationSink persists settled observations for audit.
type ObservationSink interface {
	StoreObservations(ctx context.Context, obs []models.TradeObservation) error
}

// DecisionJournal persists terminal stop decisions for audit.
type DecisionJournal interface {
	StoreDecision(ctx context.Context, d *models.StopDecision) error
}

// DecisionPublisher announces terminal stop decisions to downstream consumers.
type DecisionPublisher interface {
	PublishDecision(ctx context.Context, d *models.StopDecision) error
	Close() error
}

// ReportCache keeps the most recent report per experiment for dashboards.
type ReportCache interface {
	PutReport(ctx context.Context, r *models.Report, ttl time.Duration) error
	GetReport(ctx context.Context, experiment string) (*models.Report, error)
}

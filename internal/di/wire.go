//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"StratSplit/pkg/config"
	"StratSplit/pkg/server"
)

// InfraSet provides logging, metrics and the external clients.
var InfraSet = wire.NewSet(
	ProvideLogger,
	ProvidePrometheusRegistry,
	ProvideMetrics,
	ProvideClickHouseClient,
	ProvideKafkaProducer,
	ProvideKafkaConsumer,
	ProvideCache,
)

// ExperimentSet provides the repositories, use cases and transports.
var ExperimentSet = wire.NewSet(
	ProvideAudit,
	ProvideDecisionPublisher,
	ProvideReportCache,
	ProvideObservationPipeline,
	ProvideExperimentRegistry,
	ProvideSettlementHandler,
	ProvideMonitorLoop,
	ProvideExperimentsHandler,
	ProvideHTTPServer,
)

// InitializeApp wires up all dependencies and returns the application.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(InfraSet, ExperimentSet, ProvideApp)
	return &server.App{}, nil
}

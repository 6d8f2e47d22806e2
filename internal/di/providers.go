package di

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"StratSplit/internal/domain/repository"
	"StratSplit/internal/handler/api"
	mid "StratSplit/internal/middleware"
	internalrepo "StratSplit/internal/repository"
	"StratSplit/internal/usecase"
	"StratSplit/pkg/cache"
	pkgch "StratSplit/pkg/clickhouse"
	"StratSplit/pkg/config"
	xhttp "StratSplit/pkg/http"
	pkgkafka "StratSplit/pkg/kafka"
	"StratSplit/pkg/logger"
	"StratSplit/pkg/metrics"
	"StratSplit/pkg/server"
)

// Audit groups the two audit destinations so they can come from one backend.
type Audit struct {
	Sink    repository.ObservationSink
	Journal repository.DecisionJournal
}

// ProvideLogger builds the process logger from the log section.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(logger.String("env", cfg.Environment)), nil
}

// ProvidePrometheusRegistry returns a private registry with the runtime collectors.
func ProvidePrometheusRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) repository.Metrics {
	return metrics.New(reg)
}

// ProvideClickHouseClient connects to ClickHouse and prepares the audit schema.
// It returns nil when ClickHouse is disabled.
func ProvideClickHouseClient(cfg *config.Config, l *logger.Logger) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithAddress(cfg.ClickHouse.Host, cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.JournalSchema); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	l.Info("clickhouse ready", logger.String("database", cfg.ClickHouse.Database))
	return client, nil
}

// ProvideAudit picks ClickHouse when it is available and the log journal otherwise.
func ProvideAudit(ch *pkgch.Client, l *logger.Logger) Audit {
	if ch == nil {
		j := internalrepo.NewLogJournal(l)
		return Audit{Sink: j, Journal: j}
	}
	j := internalrepo.NewClickHouseJournal(ch, l)
	return Audit{Sink: j, Journal: j}
}

// ProvideKafkaProducer creates the decision producer. It returns nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchTimeout),
		pkgkafka.WithWriteTimeout(cfg.Kafka.Producer.WriteTimeout),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithProducerRegisterer(reg),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideDecisionPublisher publishes stop decisions to Kafka, or nowhere when Kafka is disabled.
func ProvideDecisionPublisher(cfg *config.Config, producer *pkgkafka.Producer) repository.DecisionPublisher {
	if producer == nil {
		return internalrepo.NopPublisher{}
	}
	return internalrepo.NewKafkaDecisionPublisher(producer, cfg.Kafka.DecisionTopic)
}

// ProvideKafkaConsumer creates the settlement consumer. It returns nil when Kafka is disabled.
func ProvideKafkaConsumer(cfg *config.Config, reg *prometheus.Registry, l *logger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerStartOffset(cfg.Kafka.Consumer.StartOffset),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(l.With(logger.String("component", "kafka-consumer"))),
		pkgkafka.WithConsumerRegisterer(reg),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideCache uses Redis when enabled and a bounded in-process cache otherwise.
func ProvideCache(cfg *config.Config) (cache.Service, error) {
	if !cfg.Redis.Enabled {
		return cache.NewMemoryCache(cache.WithMemoryMaxSize(1024)), nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisAddr(cfg.Redis.Addr),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns, cfg.Redis.PoolTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return rc, nil
}

// ProvideReportCache stores rendered reports in the cache.
func ProvideReportCache(c cache.Service) repository.ReportCache {
	return internalrepo.NewCacheReportStore(c)
}

// ProvideObservationPipeline batches settled observations into the audit sink.
func ProvideObservationPipeline(cfg *config.Config, audit Audit, m repository.Metrics, l *logger.Logger) *mid.ObservationPipeline {
	p := cfg.Pipeline
	return mid.NewObservationPipeline(audit.Sink, m,
		mid.WithBufferSize(p.BufferSize),
		mid.WithBatching(p.BatchSize, p.FlushInterval),
		mid.WithRetry(p.MaxRetries, p.BackoffMin, p.BackoffMax),
		mid.WithLogger(l.With(logger.String("component", "observation-pipeline"))),
	)
}

// ProvideExperimentRegistry builds one manager per configured experiment.
func ProvideExperimentRegistry(
	cfg *config.Config,
	m repository.Metrics,
	l *logger.Logger,
	pipeline *mid.ObservationPipeline,
	audit Audit,
	pub repository.DecisionPublisher,
) (*usecase.Registry, error) {
	reg, err := usecase.NewRegistryFromConfig(cfg.Experiments,
		usecase.WithMetrics(m),
		usecase.WithLogger(l),
		usecase.WithPipeline(pipeline),
		usecase.WithCheckOnSettle(cfg.Monitor.CheckOnSettle),
		usecase.WithStopListeners(
			usecase.JournalListener(audit.Journal, l),
			usecase.PublisherListener(pub, l),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("experiments: %w", err)
	}
	for _, mgr := range reg.All() {
		l.Info("experiment loaded",
			logger.String("experiment", mgr.Name()),
			logger.String("run_id", mgr.RunID()),
			logger.Strings("variants", mgr.Variants()),
		)
	}
	return reg, nil
}

// ProvideSettlementHandler consumes settled trades from Kafka.
func ProvideSettlementHandler(cfg *config.Config, reg *usecase.Registry, l *logger.Logger) *usecase.SettlementHandler {
	return usecase.NewSettlementHandler(cfg.Kafka.SettlementTopic, reg, l)
}

// ProvideMonitorLoop evaluates stopping conditions on an interval and refreshes cached reports.
func ProvideMonitorLoop(cfg *config.Config, reg *usecase.Registry, rc repository.ReportCache, l *logger.Logger) *usecase.MonitorLoop {
	return usecase.NewMonitorLoop(reg, rc, cfg.Monitor.Interval, cfg.Redis.ReportTTL, l)
}

// ProvideExperimentsHandler exposes experiments over HTTP.
func ProvideExperimentsHandler(l *logger.Logger, reg *usecase.Registry, rc repository.ReportCache) *api.ExperimentsEchoHandler {
	return api.NewExperimentsEchoHandler(l, reg, rc)
}

// ProvideHTTPServer creates the Echo server with the API routes and metrics endpoint.
func ProvideHTTPServer(cfg *config.Config, l *logger.Logger, reg *prometheus.Registry, h *api.ExperimentsEchoHandler) *xhttp.Server {
	return xhttp.NewServer(h,
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithCORS(cfg.CORSEnabled()),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithMetricsPath(cfg.Metrics.Path),
		xhttp.WithRateLimit(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst),
		xhttp.WithLogger(l.With(logger.String("component", "http"))),
		xhttp.WithRegistry(reg, reg),
	)
}

// ProvideApp assembles the application lifecycle.
func ProvideApp(
	cfg *config.Config,
	l *logger.Logger,
	srv *xhttp.Server,
	consumer *pkgkafka.Consumer,
	settlements *usecase.SettlementHandler,
	pipeline *mid.ObservationPipeline,
	loop *usecase.MonitorLoop,
	reg *usecase.Registry,
	pub repository.DecisionPublisher,
	c cache.Service,
	ch *pkgch.Client,
) *server.App {
	app := server.New(l, srv, consumer, cfg.Server.ShutdownTimeout)
	if consumer != nil {
		app.AddHandler(settlements)
	}
	app.AddRunner("observation-pipeline", pipeline)
	app.AddRunner("monitor", loop)

	// stop listeners write to the journal and the producer, so they must finish before those close
	app.OnShutdown(func(ctx context.Context) error {
		for _, m := range reg.All() {
			if err := m.Wait(ctx); err != nil {
				return fmt.Errorf("experiment %s: %w", m.Name(), err)
			}
		}
		return nil
	})

	app.AddCloser(pub)
	if closer, ok := c.(io.Closer); ok {
		app.AddCloser(closer)
	}
	if ch != nil {
		app.AddCloser(ch)
	}
	return app
}

package usecase

import (
	"context"
	"time"

	drepo "StratSplit/internal/domain/repository"
	"StratSplit/pkg/logger"
)

// MonitorLoop periodically checks every experiment and refreshes cached reports.
type MonitorLoop struct {
	registry *Registry
	cache    drepo.ReportCache
	ttl      time.Duration
	interval time.Duration
	log      *logger.Logger
}

// NewMonitorLoop creates a loop. cache may be nil.
func NewMonitorLoop(registry *Registry, cache drepo.ReportCache, interval, ttl time.Duration, l *logger.Logger) *MonitorLoop {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if l == nil {
		l = logger.Nop()
	}
	return &MonitorLoop{registry: registry, cache: cache, ttl: ttl, interval: interval, log: l}
}

// Run ticks until ctx is cancelled.
func (l *MonitorLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one check over all experiments.
func (l *MonitorLoop) Tick(ctx context.Context) {
	for _, m := range l.registry.All() {
		if !m.Status().Terminal() {
			m.Check()
		}
		if l.cache == nil {
			continue
		}
		if err := l.cache.PutReport(ctx, m.Report(), l.ttl); err != nil {
			l.log.Warn("cache report", logger.String("experiment", m.Name()), logger.Error(err))
		}
	}
}

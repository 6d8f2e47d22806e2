package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"StratSplit/internal/domain/models"
	domrepo "StratSplit/internal/domain/repository"
	"StratSplit/pkg/cache"
)

var ErrReportNotCached = errors.New("report not cached")

// CacheReportStore keeps the latest report per experiment in a cache.Service.
type CacheReportStore struct {
	cache cache.Service
}

func NewCacheReportStore(c cache.Service) *CacheReportStore {
	return &CacheReportStore{cache: c}
}

func reportKey(experiment string) string { return cache.Key("report", experiment) }

func (s *CacheReportStore) PutReport(ctx context.Context, r *models.Report, ttl time.Duration) error {
	if r == nil {
		return nil
	}
	if err := s.cache.Set(ctx, reportKey(r.Experiment), r, ttl); err != nil {
		return fmt.Errorf("cache report %s: %w", r.Experiment, err)
	}
	return nil
}

func (s *CacheReportStore) GetReport(ctx context.Context, experiment string) (*models.Report, error) {
	var r models.Report
	if err := s.cache.Get(ctx, reportKey(experiment), &r); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, ErrReportNotCached
		}
		return nil, fmt.Errorf("get cached report %s: %w", experiment, err)
	}
	return &r, nil
}

var _ domrepo.ReportCache = (*CacheReportStore)(nil)

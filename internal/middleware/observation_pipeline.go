package middleware

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"StratSplit/internal/domain/models"
	domrepo "StratSplit/internal/domain/repository"
	"StratSplit/pkg/logger"
	"StratSplit/pkg/util"
)

const bufferName = "observations"

var ErrPipelineStopped = errors.New("observation pipeline stopped")

// ObservationPipeline sits between settlement and the audit sink.
// Submit never blocks; a full buffer drops the observation and counts it.
type ObservationPipeline struct {
	sink    domrepo.ObservationSink
	metrics domrepo.Metrics
	log     *logger.Logger

	bufSize       int
	batchSize     int
	flushInterval time.Duration
	maxRetries    int
	backoffMin    time.Duration
	backoffMax    time.Duration

	bufCh   chan models.TradeObservation
	done    chan struct{}
	mu      sync.Mutex
	started bool
	closed  bool

	dropped atomic.Uint64
	failed  atomic.Uint64
	written atomic.Uint64
}

type PipelineOption func(*ObservationPipeline)

// WithBufferSize sets the number of observations held while the sink is slow.
func WithBufferSize(n int) PipelineOption {
	return func(p *ObservationPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithBatching sets the flush size and the max time an observation waits for a batch.
func WithBatching(size int, interval time.Duration) PipelineOption {
	return func(p *ObservationPipeline) {
		if size > 0 {
			p.batchSize = size
		}
		if interval > 0 {
			p.flushInterval = interval
		}
	}
}

// WithRetry sets how often a failed batch is retried before it is discarded.
func WithRetry(max int, backoffMin, backoffMax time.Duration) PipelineOption {
	return func(p *ObservationPipeline) {
		if max >= 0 {
			p.maxRetries = max
		}
		if backoffMin > 0 {
			p.backoffMin = backoffMin
		}
		if backoffMax > 0 {
			p.backoffMax = backoffMax
		}
	}
}

func WithLogger(l *logger.Logger) PipelineOption {
	return func(p *ObservationPipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// NewObservationPipeline creates a pipeline writing to sink.
func NewObservationPipeline(sink domrepo.ObservationSink, metrics domrepo.Metrics, opts ...PipelineOption) *ObservationPipeline {
	p := &ObservationPipeline{
		sink:          sink,
		metrics:       metrics,
		log:           logger.Nop(),
		bufSize:       4096,
		batchSize:     256,
		flushInterval: time.Second,
		maxRetries:    3,
		backoffMin:    100 * time.Millisecond,
		backoffMax:    5 * time.Second,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan models.TradeObservation, p.bufSize)
	return p
}

// Submit enqueues an observation. It returns false when the observation was dropped.
func (p *ObservationPipeline) Submit(obs models.TradeObservation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.bufCh <- obs:
		return true
	default:
		p.dropped.Add(1)
		p.metrics.RecordRejected(obs.Experiment, "pipeline_full")
		return false
	}
}

// Run flushes batches until ctx is cancelled or Stop is called, then drains what is buffered.
func (p *ObservationPipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()
	defer close(p.done)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	batch := make([]models.TradeObservation, 0, p.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		p.write(ctx, batch)
		batch = batch[:0]
		p.metrics.RecordBufferDepth(bufferName, len(p.bufCh))
	}

	for {
		select {
		case <-ctx.Done():
			p.close()
			p.drain(batch)
			return nil
		case obs, ok := <-p.bufCh:
			if !ok {
				flush(context.Background())
				return nil
			}
			batch = append(batch, obs)
			if len(batch) >= p.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// Stop closes the buffer and waits for Run to write what is left.
func (p *ObservationPipeline) Stop(ctx context.Context) error {
	p.close()
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns written, failed and dropped observation counts.
func (p *ObservationPipeline) Stats() (written, failed, dropped uint64) {
	return p.written.Load(), p.failed.Load(), p.dropped.Load()
}

func (p *ObservationPipeline) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.bufCh)
	}
}

func (p *ObservationPipeline) drain(batch []models.TradeObservation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for obs := range p.bufCh {
		batch = append(batch, obs)
		if len(batch) >= p.batchSize {
			p.write(ctx, batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		p.write(ctx, batch)
	}
}

func (p *ObservationPipeline) write(ctx context.Context, batch []models.TradeObservation) {
	start := time.Now()
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(util.Backoff(p.backoffMin, p.backoffMax, attempt-1)):
			case <-ctx.Done():
				p.fail(batch, ctx.Err())
				return
			}
		}
		if err = p.sink.StoreObservations(ctx, batch); err == nil {
			p.written.Add(uint64(len(batch)))
			p.metrics.RecordLatency("pipeline_flush", time.Since(start).Seconds())
			return
		}
		p.log.Warn("observation batch write failed",
			logger.Int("attempt", attempt+1),
			logger.Int("size", len(batch)),
			logger.Error(err),
		)
	}
	p.fail(batch, err)
}

func (p *ObservationPipeline) fail(batch []models.TradeObservation, err error) {
	p.failed.Add(uint64(len(batch)))
	p.log.Error("observation batch discarded", logger.Int("size", len(batch)), logger.Error(err))
}

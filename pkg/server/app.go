package server

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	xhttp "StratSplit/pkg/http"
	pkgkafka "StratSplit/pkg/kafka"
	applogger "StratSplit/pkg/logger"
)

// Runner is a background component that runs until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// App encapsulates the entire application lifecycle.
type App struct {
	log             *applogger.Logger
	httpServer      *xhttp.Server
	consumer        *pkgkafka.Consumer
	handlers        []pkgkafka.MessageHandler
	runners         map[string]Runner
	order           []string
	closers         []io.Closer
	hooks           []func(context.Context) error
	shutdownTimeout time.Duration
}

// New creates an App serving httpServer. consumer may be nil when Kafka is disabled.
func New(l *applogger.Logger, httpServer *xhttp.Server, consumer *pkgkafka.Consumer, shutdownTimeout time.Duration) *App {
	if l == nil {
		l = applogger.Nop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	return &App{
		log:             l,
		httpServer:      httpServer,
		consumer:        consumer,
		runners:         make(map[string]Runner),
		shutdownTimeout: shutdownTimeout,
	}
}

// AddHandler registers a Kafka handler on the consumer.
func (a *App) AddHandler(h pkgkafka.MessageHandler) { a.handlers = append(a.handlers, h) }

// AddRunner runs r alongside the server. Names appear in logs.
func (a *App) AddRunner(name string, r Runner) {
	if _, ok := a.runners[name]; !ok {
		a.order = append(a.order, name)
	}
	a.runners[name] = r
}

// AddCloser closes c after everything else has stopped.
func (a *App) AddCloser(c io.Closer) { a.closers = append(a.closers, c) }

// OnShutdown runs fn during shutdown, after the runners have returned.
func (a *App) OnShutdown(fn func(context.Context) error) { a.hooks = append(a.hooks, fn) }

// Run starts the application and blocks until interrupted or a component fails.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext is Run with an explicit parent context.
// On shutdown the consumer stops first so runners can drain what it delivered.
func (a *App) RunContext(parent context.Context) error {
	g, gctx := errgroup.WithContext(parent)
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if a.consumer != nil && len(a.handlers) > 0 {
		for _, h := range a.handlers {
			a.consumer.RegisterHandler(h)
		}
		if err := a.consumer.Start(runCtx); err != nil {
			return err
		}
	}

	for _, name := range a.order {
		name, r := name, a.runners[name]
		g.Go(func() error {
			a.log.Info("component started", applogger.String("component", name))
			err := r.Run(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("component failed", applogger.String("component", name), applogger.Error(err))
				return err
			}
			return nil
		})
	}

	if a.httpServer != nil {
		g.Go(a.httpServer.Serve)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
			defer cancel()
			return a.httpServer.Stop(shutdownCtx)
		})
	}

	<-gctx.Done()
	a.log.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	var errs []error
	if a.consumer != nil && len(a.handlers) > 0 {
		if err := a.consumer.Stop(stopCtx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	cancelRun()

	if err := g.Wait(); err != nil {
		errs = append([]error{err}, errs...)
	}
	errs = append(errs, a.shutdown(stopCtx)...)
	a.log.Info("shutdown complete")
	return errors.Join(errs...)
}

// shutdown runs hooks and closes infrastructure clients.
func (a *App) shutdown(ctx context.Context) []error {
	var errs []error
	for _, fn := range a.hooks {
		if err := fn(ctx); err != nil {
			a.log.Warn("shutdown hook error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Warn("close error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	return errs
}

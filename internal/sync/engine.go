package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope          = "hazardrelay/sync"
	spanCycle          = "sync.cycle"
	metricSynced       = "hazardrelay.sync.reports.synced"
	metricRetried      = "hazardrelay.sync.retried"
	metricDeadLettered = "hazardrelay.sync.dead_lettered"
	metricErrors       = "hazardrelay.sync.errors"
	metricSkipped      = "hazardrelay.sync.skipped"
)

// ErrEngineStopped is returned by [Engine.Trigger] after [Engine.Shutdown].
var ErrEngineStopped = errors.New("sync engine stopped")

// Engine drives a [Worker]: an immediate pass at startup, a pass every
// interval, and a pass whenever connectivity is regained. Create one with
// [NewEngine] and start it with [Engine.Run].
type Engine struct {
	worker   *Worker
	monitor  Monitor
	interval time.Duration
	log      *slog.Logger

	// Background cycles (triggers and connectivity events). Shutdown cancels
	// stopCtx and waits on bg; stopped keeps bg.Add from racing bg.Wait.
	stopCtx context.Context
	stop    context.CancelFunc
	bgMu    gosync.Mutex
	bg      gosync.WaitGroup
	stopped bool

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer          trace.Tracer
	cntSynced       metric.Int64Counter
	cntRetried      metric.Int64Counter
	cntDeadLettered metric.Int64Counter
	cntErrors       metric.Int64Counter
	cntSkipped      metric.Int64Counter
}

// NewEngine creates an Engine.
func NewEngine(worker *Worker, monitor Monitor, interval time.Duration, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	stopCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		worker:   worker,
		monitor:  monitor,
		interval: interval,
		log:      logger,
		stopCtx:  stopCtx,
		stop:     stop,

		tracer:          tracer,
		cntSynced:       mustCounter(metricSynced, "Number of reports accepted by the server"),
		cntRetried:      mustCounter(metricRetried, "Number of failed attempts left for a later cycle"),
		cntDeadLettered: mustCounter(metricDeadLettered, "Number of queue items dead-lettered"),
		cntErrors:       mustCounter(metricErrors, "Number of storage errors during sync"),
		cntSkipped:      mustCounter(metricSkipped, "Number of sync triggers skipped"),
	}
}

// cycle runs one worker cycle, recording a trace span and metrics.
func (e *Engine) cycle(ctx context.Context) (CycleStats, error) {
	ctx, span := e.tracer.Start(ctx, spanCycle)
	defer span.End()

	stats, err := e.worker.RunCycle(ctx)

	if stats.Skipped != SkipNone {
		e.cntSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(stats.Skipped))))
		span.SetAttributes(attribute.String("sync.skipped", string(stats.Skipped)))
		return stats, err
	}
	if stats.Synced > 0 {
		e.cntSynced.Add(ctx, int64(stats.Synced))
	}
	if stats.Retried > 0 {
		e.cntRetried.Add(ctx, int64(stats.Retried))
	}
	if stats.DeadLettered > 0 {
		e.cntDeadLettered.Add(ctx, int64(stats.DeadLettered))
	}
	if stats.Errors > 0 {
		e.cntErrors.Add(ctx, int64(stats.Errors))
	}

	span.SetAttributes(
		attribute.Int("sync.synced", stats.Synced),
		attribute.Int("sync.processed", stats.Processed),
		attribute.Int("sync.retried", stats.Retried),
		attribute.Int("sync.dead_lettered", stats.DeadLettered),
		attribute.Int("sync.errors", stats.Errors),
	)
	if err != nil {
		span.RecordError(err)
	}
	return stats, err
}

// RunOnce performs a single cycle and returns.
func (e *Engine) RunOnce(ctx context.Context) (CycleStats, error) {
	return e.cycle(ctx)
}

// Trigger starts a cycle in the background. It returns [ErrOffline] or
// [ErrCycleInProgress] when the cycle would be skipped, and
// [ErrEngineStopped] once the engine is shutting down. The cycle is
// cancelled by Shutdown even if ctx never is.
func (e *Engine) Trigger(ctx context.Context) error {
	if !e.monitor.Online() {
		return ErrOffline
	}
	if e.worker.InProgress() {
		return ErrCycleInProgress
	}
	if !e.spawn(ctx, "trigger") {
		return ErrEngineStopped
	}
	return nil
}

// spawn runs one cycle on a tracked goroutine. It reports false once
// Shutdown has begun.
func (e *Engine) spawn(ctx context.Context, reason string) bool {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.stopped {
		return false
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		unlink := context.AfterFunc(e.stopCtx, cancel)
		defer unlink()

		if _, err := e.cycle(ctx); err != nil {
			e.log.Error("background sync cycle failed", "reason", reason, "error", err)
		}
	}()
	return true
}

// Shutdown refuses new background cycles, cancels running ones, and waits
// for them to return. It is safe to call more than once.
func (e *Engine) Shutdown() {
	e.bgMu.Lock()
	e.stopped = true
	e.bgMu.Unlock()
	e.stop()
	e.bg.Wait()
}

// Run subscribes to connectivity changes and starts the ticker loop. It
// blocks until ctx is cancelled, then shuts the engine down and returns
// once no cycle is running.
func (e *Engine) Run(ctx context.Context) error {
	e.monitor.Subscribe(func() {
		e.log.Info("connectivity regained, starting sync cycle")
		e.spawn(ctx, "connectivity regained")
	})

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// Run an immediate first pass.
	if _, err := e.cycle(ctx); err != nil {
		e.log.Error("initial sync cycle failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			e.Shutdown()
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.cycle(ctx); err != nil {
				e.log.Error("sync cycle failed", "error", err)
			}
		}
	}
}

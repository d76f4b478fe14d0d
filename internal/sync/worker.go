package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/njoerd114/hazardrelay/internal/model"
)

// ErrCycleInProgress is returned by [Engine.Trigger] when a cycle is
// already running. The trigger is dropped, not queued.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// ErrOffline is returned by [Engine.Trigger] when the monitor reports no
// connectivity.
var ErrOffline = errors.New("offline")

// SkipReason explains why a cycle did no work.
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipOffline    SkipReason = "offline"
	SkipInProgress SkipReason = "in_progress"
)

// CycleStats tracks what a single cycle did.
type CycleStats struct {
	Synced       int // reports accepted by the server
	Processed    int // non-report queue items completed
	Retried      int
	DeadLettered int
	Superseded   int // queue items dropped because their report was already handled
	Errors       int
	Skipped      SkipReason
}

// Worker runs sync cycles. Cycles never overlap: a call to RunCycle while
// another is running returns immediately with Skipped set.
type Worker struct {
	store      Store
	submitter  Submitter
	monitor    Monitor
	policy     Policy
	maxRetries int
	log        *slog.Logger

	mu       gosync.RWMutex
	handlers map[model.Action]ActionHandler

	inProgress atomic.Bool
	lastSync   atomic.Int64 // unix nanos of the last completed cycle
	now        func() time.Time
}

// NewWorker creates a Worker. maxRetries is the budget given to queue items
// the worker creates itself; values <= 0 use [model.DefaultMaxRetries].
func NewWorker(store Store, submitter Submitter, monitor Monitor, maxRetries int, logger *slog.Logger) *Worker {
	if maxRetries <= 0 {
		maxRetries = model.DefaultMaxRetries
	}
	return &Worker{
		store:      store,
		submitter:  submitter,
		monitor:    monitor,
		maxRetries: maxRetries,
		log:        logger,
		handlers:   make(map[model.Action]ActionHandler),
		now:        time.Now,
	}
}

// Handle registers the handler for a non-report action. Items whose action
// has no handler are dead-lettered, never skipped.
func (w *Worker) Handle(action model.Action, h ActionHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[action] = h
}

func (w *Worker) handler(action model.Action) (ActionHandler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[action]
	return h, ok
}

// InProgress reports whether a cycle is currently running.
func (w *Worker) InProgress() bool {
	return w.inProgress.Load()
}

// LastSyncAt returns when the last non-skipped cycle finished, or the zero
// time if none has.
func (w *Worker) LastSyncAt() time.Time {
	n := w.lastSync.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// RunCycle performs one sync cycle: unsynced reports first, then the queue
// in priority order. Per-item failures are logged and counted and do not
// stop the cycle. It returns aggregate stats and the first per-item error.
func (w *Worker) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	if !w.monitor.Online() {
		stats.Skipped = SkipOffline
		return stats, nil
	}
	if !w.inProgress.CompareAndSwap(false, true) {
		stats.Skipped = SkipInProgress
		w.log.Debug("sync cycle already running, trigger dropped")
		return stats, nil
	}
	defer w.inProgress.Store(false)

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// 1. Unsynced, not dead-lettered reports.
	handled := make(map[string]bool)
	reports, err := w.store.ListReports(ctx, model.ReportFilter{
		Synced: model.Bool(false),
		Failed: model.Bool(false),
	})
	if err != nil {
		w.log.Error("listing unsynced reports", "error", err)
		stats.Errors++
		record(err)
	}
	for _, r := range reports {
		if ctx.Err() != nil {
			break
		}
		handled[r.ID] = true
		record(w.syncReport(ctx, r, &stats))
	}

	// 2. Queue, high → medium → low, then oldest first.
	items, err := w.store.ListQueue(ctx)
	if err != nil {
		w.log.Error("listing queue", "error", err)
		stats.Errors++
		record(err)
	}
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if item.Action == model.ActionCreateReport {
			if handled[item.ReportID] {
				continue
			}
			handled[item.ReportID] = true
			record(w.dispatchReportItem(ctx, item, &stats))
			continue
		}
		record(w.dispatchAction(ctx, item, &stats))
	}

	if err := ctx.Err(); err != nil {
		w.log.Info("sync cycle interrupted", "synced", stats.Synced, "error", err)
		record(err)
		return stats, firstErr
	}

	w.lastSync.Store(w.now().UnixNano())
	w.log.Info("sync cycle complete",
		"synced", stats.Synced,
		"processed", stats.Processed,
		"retried", stats.Retried,
		"dead_lettered", stats.DeadLettered,
		"errors", stats.Errors,
	)
	return stats, firstErr
}

// syncReport submits one report. On success the report is marked synced and
// its queue items are removed. On failure the policy is applied to the
// report's queue item, creating one first if it has none.
func (w *Worker) syncReport(ctx context.Context, r *model.Report, stats *CycleStats) error {
	serverID, submitErr := w.submitter.Submit(ctx, r.SubmissionPayload())
	if submitErr == nil {
		// The server holds the report now; record that even if ctx was
		// cancelled while the response was in flight.
		ctx := context.WithoutCancel(ctx)
		if err := w.store.MarkReportSynced(ctx, r.ID, serverID); err != nil {
			w.log.Error("marking report synced", "report_id", r.ID, "server_id", serverID, "error", err)
			stats.Errors++
			return err
		}
		stats.Synced++
		w.log.Debug("report synced", "report_id", r.ID, "server_id", serverID)
		if _, err := w.store.RemoveQueueItemsForReport(ctx, r.ID); err != nil {
			w.log.Error("removing superseded queue items", "report_id", r.ID, "error", err)
			stats.Errors++
			return err
		}
		return nil
	}
	if ctx.Err() != nil {
		return submitErr
	}

	items, err := w.store.QueueItemsForReport(ctx, r.ID)
	if err != nil {
		w.log.Error("loading queue items for report", "report_id", r.ID, "error", err)
		stats.Errors++
		return err
	}
	var item *model.QueueItem
	if len(items) > 0 {
		item = items[0]
	} else {
		item, err = w.requeueReport(ctx, r)
		if err != nil {
			w.log.Error("re-enqueueing report", "report_id", r.ID, "error", err)
			stats.Errors++
			return err
		}
	}
	return w.fail(ctx, item, submitErr, stats)
}

// requeueReport gives an unsynced report without a queue item a fresh
// create_report item so its retries are counted.
func (w *Worker) requeueReport(ctx context.Context, r *model.Report) (*model.QueueItem, error) {
	item, err := model.NewCreateReportItem(r, model.PriorityHigh, w.maxRetries)
	if err != nil {
		return nil, err
	}
	if err := w.store.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// dispatchReportItem handles a create_report item whose report was not in
// the unsynced list at the start of the cycle.
func (w *Worker) dispatchReportItem(ctx context.Context, item *model.QueueItem, stats *CycleStats) error {
	r, err := w.store.GetReport(ctx, item.ReportID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		w.log.Warn("dropping queue item for missing report", "queue_id", item.ID, "report_id", item.ReportID)
		stats.Superseded++
		return w.remove(ctx, item, stats)
	case err != nil:
		w.log.Error("loading report for queue item", "queue_id", item.ID, "report_id", item.ReportID, "error", err)
		stats.Errors++
		return err
	case r.Synced || r.Failed:
		stats.Superseded++
		return w.remove(ctx, item, stats)
	}
	return w.syncReport(ctx, r, stats)
}

// dispatchAction runs the registered handler for a non-report item.
func (w *Worker) dispatchAction(ctx context.Context, item *model.QueueItem, stats *CycleStats) error {
	h, ok := w.handler(item.Action)
	if !ok {
		return w.fail(ctx, item, fmt.Errorf("%w: %q", model.ErrUnknownAction, item.Action), stats)
	}
	if err := h(ctx, item.Data); err != nil {
		return w.fail(ctx, item, err, stats)
	}
	stats.Processed++
	w.log.Debug("queue item processed", "queue_id", item.ID, "action", item.Action)
	return w.remove(ctx, item, stats)
}

// fail applies the policy to a failed item and returns the cause.
func (w *Worker) fail(ctx context.Context, item *model.QueueItem, cause error, stats *CycleStats) error {
	if ctx.Err() != nil {
		// Interrupted, not failed: the attempt is not counted.
		w.log.Debug("sync attempt interrupted", "queue_id", item.ID, "error", cause)
		return cause
	}
	if w.policy.Decide(item, cause) == DeadLetter {
		w.deadLetter(ctx, item, cause, stats)
		return cause
	}

	removed, err := w.store.UpdateRetry(ctx, item.ID, cause.Error())
	if err != nil {
		w.log.Error("recording retry", "queue_id", item.ID, "error", err)
		stats.Errors++
		return err
	}
	if removed {
		w.deadLetter(ctx, item, cause, stats)
		return cause
	}
	stats.Retried++
	w.log.Warn("sync attempt failed, will retry",
		"queue_id", item.ID,
		"action", item.Action,
		"report_id", item.ReportID,
		"attempt", item.RetryCount+1,
		"max_retries", item.MaxRetries,
		"error", cause,
	)
	return cause
}

// deadLetter removes the item for good. A dead-lettered report keeps its
// row, is marked failed, and stays unsynced.
func (w *Worker) deadLetter(ctx context.Context, item *model.QueueItem, cause error, stats *CycleStats) {
	if model.Retryable(cause) {
		cause = fmt.Errorf("%w after %d attempts: %w", model.ErrMaxRetriesExceeded, item.RetryCount+1, cause)
	}
	stats.DeadLettered++
	w.log.Error("dead-lettering queue item",
		"queue_id", item.ID,
		"action", item.Action,
		"report_id", item.ReportID,
		"error", cause,
	)

	if item.ReportID == "" {
		if err := w.store.RemoveQueueItem(ctx, item.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
			w.log.Error("removing dead-lettered item", "queue_id", item.ID, "error", err)
			stats.Errors++
		}
		return
	}
	if _, err := w.store.RemoveQueueItemsForReport(ctx, item.ReportID); err != nil {
		w.log.Error("removing dead-lettered items", "report_id", item.ReportID, "error", err)
		stats.Errors++
	}
	if err := w.store.MarkReportFailed(ctx, item.ReportID, cause.Error()); err != nil && !errors.Is(err, model.ErrNotFound) {
		w.log.Error("marking report failed", "report_id", item.ReportID, "error", err)
		stats.Errors++
	}
}

func (w *Worker) remove(ctx context.Context, item *model.QueueItem, stats *CycleStats) error {
	if err := w.store.RemoveQueueItem(ctx, item.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
		w.log.Error("removing queue item", "queue_id", item.ID, "error", err)
		stats.Errors++
		return err
	}
	return nil
}

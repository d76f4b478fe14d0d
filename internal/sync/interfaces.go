// Package sync replays captured reports and queued actions to the remote API.
//
// The package contains three components:
//
//   - [Policy] decides whether a failed queue item is retried or dead-lettered.
//   - [Worker] runs one sync cycle, guarded so cycles never overlap.
//   - [Engine] drives the worker from a ticker and from connectivity regained
//     events, and records a trace span and counters per cycle.
package sync

import (
	"context"
	"encoding/json"

	"github.com/njoerd114/hazardrelay/internal/model"
)

// Store is the subset of the local store the worker needs.
// Implemented by [state.Store].
type Store interface {
	ListReports(ctx context.Context, f model.ReportFilter) ([]*model.Report, error)
	GetReport(ctx context.Context, id string) (*model.Report, error)
	MarkReportSynced(ctx context.Context, localID, serverID string) error
	MarkReportFailed(ctx context.Context, localID, reason string) error

	Enqueue(ctx context.Context, item *model.QueueItem) error
	ListQueue(ctx context.Context) ([]*model.QueueItem, error)
	QueueItemsForReport(ctx context.Context, reportID string) ([]*model.QueueItem, error)
	UpdateRetry(ctx context.Context, queueID int64, lastErr string) (removed bool, err error)
	RemoveQueueItem(ctx context.Context, queueID int64) error
	RemoveQueueItemsForReport(ctx context.Context, reportID string) (int, error)
}

// Submitter sends a report payload to the server and returns the server id.
// Implemented by [remote.Client].
type Submitter interface {
	Submit(ctx context.Context, payload map[string]any) (serverID string, err error)
}

// ActionHandler performs one queued non-report action. A nil return removes
// the item from the queue.
type ActionHandler func(ctx context.Context, data json.RawMessage) error

// Monitor reports connectivity. Implemented by [connectivity.Manual] and
// [connectivity.Probe].
type Monitor interface {
	Online() bool
	Subscribe(fn func())
}

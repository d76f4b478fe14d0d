package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/njoerd114/hazardrelay/internal/connectivity"
	"github.com/njoerd114/hazardrelay/internal/model"
	"github.com/njoerd114/hazardrelay/internal/state"
)

// --- Mock Submitter ----------------------------------------------------------

type mockSubmitter struct {
	mu       sync.Mutex
	calls    []map[string]any
	errs     []error // consumed in order; nil entries succeed
	fallback error   // returned once errs is exhausted
	nextID   int

	// block, when non-nil, is received from before each submit returns.
	block   chan struct{}
	entered chan struct{}
}

func newMockSubmitter() *mockSubmitter {
	return &mockSubmitter{}
}

func (m *mockSubmitter) Submit(ctx context.Context, payload map[string]any) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, payload)
	block, entered := m.block, m.entered
	var err error
	if len(m.errs) > 0 {
		err, m.errs = m.errs[0], m.errs[1:]
	} else {
		err = m.fallback
	}
	m.nextID++
	id := fmt.Sprintf("srv-%d", m.nextID)
	m.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (m *mockSubmitter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockSubmitter) lastCall() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// --- Mock Action Handler -----------------------------------------------------

type mockHandler struct {
	mu    sync.Mutex
	seen  []string
	err   error
	label string
	order *[]string // shared across handlers to check dispatch order
}

func (m *mockHandler) handle(_ context.Context, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, string(data))
	if m.order != nil {
		*m.order = append(*m.order, m.label+":"+string(data))
	}
	return m.err
}

func (m *mockHandler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// --- Signal Monitor ----------------------------------------------------------

// signalMonitor closes subscribed once the engine has registered its callback.
type signalMonitor struct {
	*connectivity.Manual
	subscribed chan struct{}
}

func (m *signalMonitor) Subscribe(fn func()) {
	m.Manual.Subscribe(fn)
	close(m.subscribed)
}

// --- Faulty Store ------------------------------------------------------------

// faultyStore wraps a real store and fails MarkReportSynced for chosen ids.
type faultyStore struct {
	*state.Store
	failMark map[string]bool
}

func (f *faultyStore) MarkReportSynced(ctx context.Context, localID, serverID string) error {
	if f.failMark[localID] {
		return fmt.Errorf("marking %q: %w", localID, model.ErrStorage)
	}
	return f.Store.MarkReportSynced(ctx, localID, serverID)
}

// --- Helpers -----------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type harness struct {
	store     *state.Store
	submitter *mockSubmitter
	monitor   *connectivity.Manual
	worker    *Worker
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	h := &harness{
		store:     openTestStore(t),
		submitter: newMockSubmitter(),
		monitor:   connectivity.NewManual(online),
	}
	h.worker = NewWorker(h.store, h.submitter, h.monitor, model.DefaultMaxRetries, testLogger())
	return h
}

func (h *harness) capture(t *testing.T, payload map[string]any) *model.Report {
	t.Helper()
	r := model.NewReport(payload, testNow())
	if _, err := h.store.CaptureReport(context.Background(), r, model.PriorityHigh, model.DefaultMaxRetries); err != nil {
		t.Fatalf("CaptureReport: %v", err)
	}
	return r
}

func (h *harness) report(t *testing.T, id string) *model.Report {
	t.Helper()
	r, err := h.store.GetReport(context.Background(), id)
	if err != nil {
		t.Fatalf("GetReport(%q): %v", id, err)
	}
	return r
}

func (h *harness) queueLen(t *testing.T) int {
	t.Helper()
	items, err := h.store.ListQueue(context.Background())
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	return len(items)
}

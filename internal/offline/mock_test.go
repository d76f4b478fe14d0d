package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/hazardrelay/internal/config"
	"github.com/njoerd114/hazardrelay/internal/connectivity"
	"github.com/njoerd114/hazardrelay/internal/model"
)

// fakeRemote records every call and answers from its fields.
type fakeRemote struct {
	mu         sync.Mutex
	submitErr  error
	submitted  []map[string]any
	nextID     int
	fetchErr   error
	fetches    int
	uploads    []json.RawMessage
	profiles   []json.RawMessage
	hazards    []json.RawMessage
	severities []json.RawMessage
	alerts     []json.RawMessage

	// block, when non-nil, holds Submit until it is closed or ctx ends.
	// entered receives once per Submit call.
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeRemote) Submit(ctx context.Context, payload map[string]any) (string, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, payload)
	block, entered := f.block, f.entered
	f.mu.Unlock()

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

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	return fmt.Sprintf("srv-%d", f.nextID), nil
}

func (f *fakeRemote) fetch(list []json.RawMessage) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return list, nil
}

func (f *fakeRemote) FetchHazardTypes(context.Context) ([]json.RawMessage, error) {
	return f.fetch(f.hazards)
}

func (f *fakeRemote) FetchSeverityLevels(context.Context) ([]json.RawMessage, error) {
	return f.fetch(f.severities)
}

func (f *fakeRemote) FetchAlertLevels(context.Context) ([]json.RawMessage, error) {
	return f.fetch(f.alerts)
}

func (f *fakeRemote) UploadMedia(_ context.Context, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, data)
	return nil
}

func (f *fakeRemote) UpdateProfile(_ context.Context, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles = append(f.profiles, data)
	return nil
}

func (f *fakeRemote) setSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

func (f *fakeRemote) blockSubmits() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
	f.entered = make(chan struct{}, 1)
}

func (f *fakeRemote) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeRemote) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// --- Helpers -----------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		APIURL:         "http://127.0.0.1:1",
		DBPath:         filepath.Join(t.TempDir(), "offline.db"),
		SyncInterval:   time.Hour,
		MaxRetries:     3,
		RequestTimeout: time.Second,
		Retention:      config.RetentionConfig{Interval: time.Hour},
		EssentialData: config.EssentialDataConfig{
			RefreshInterval: time.Hour,
			Backend:         config.BackendSQLite,
		},
	}
}

func openTestService(t *testing.T, cfg *config.Config, r *fakeRemote, m *connectivity.Manual) *Service {
	t.Helper()
	svc, err := Open(context.Background(), cfg, testLogger(), WithRemote(r), WithMonitor(m))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func hazardPayload(kind string) map[string]any {
	return map[string]any{
		"hazardType":  kind,
		"description": "observed " + kind,
		"isOffline":   true,
	}
}

func raw(values ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		out[i] = json.RawMessage(`"` + v + `"`)
	}
	return out
}

var _ Remote = (*fakeRemote)(nil)

var errNetworkDown = fmt.Errorf("dial tcp: %w", model.ErrNetwork)

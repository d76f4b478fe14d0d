package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/njoerd114/hazardrelay/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-offline.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleReport(hazard string, createdAt time.Time) *model.Report {
	return model.NewReport(map[string]any{
		"hazardType":  hazard,
		"description": "water over the road",
	}, createdAt)
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)
	counts, err := s.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts after open: %v", err)
	}
	if counts.Total != 0 || counts.PendingQueue != 0 {
		t.Errorf("expected empty store after open, got %+v", counts)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s1.PutReport(context.Background(), sampleReport("flood", time.Now())); err != nil {
		t.Fatalf("PutReport: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = s2.Close() }()

	all, err := s2.ListReports(context.Background(), model.ReportFilter{})
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("reports after reopen = %d, want 1", len(all))
	}
}

func TestOpen_UnwritableDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("writing blocker file: %v", err)
	}

	_, err := Open(filepath.Join(blocker, "offline.db"))
	if err == nil {
		t.Fatal("expected error opening under a regular file, got nil")
	}
	if !errors.Is(err, model.ErrStorage) {
		t.Errorf("error = %v, want ErrStorage in chain", err)
	}
}

func TestPutAndGetReport(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := sampleReport("tsunami", time.Now())

	id, err := s.PutReport(ctx, r)
	if err != nil {
		t.Fatalf("PutReport: %v", err)
	}
	if id != r.ID {
		t.Errorf("PutReport id = %q, want %q", id, r.ID)
	}

	got, err := s.GetReport(ctx, id)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.HazardType != "tsunami" {
		t.Errorf("HazardType = %q, want %q", got.HazardType, "tsunami")
	}
	if got.Payload["description"] != "water over the road" {
		t.Errorf("Payload = %v, want description preserved", got.Payload)
	}
	if got.Synced || got.ServerID != "" {
		t.Errorf("new report synced=%v serverID=%q, want unsynced", got.Synced, got.ServerID)
	}
}

func TestReportPayload_LargeIntegersRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := model.NewReport(map[string]any{
		"hazardType": "flood",
		"reporterId": int64(9007199254740993),
		"observedAt": int64(1767225600123456789),
		"depth":      1.25,
	}, time.Now())
	if _, err := s.PutReport(ctx, r); err != nil {
		t.Fatalf("PutReport: %v", err)
	}

	got, err := s.GetReport(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	for key, want := range map[string]string{
		"reporterId": "9007199254740993",
		"observedAt": "1767225600123456789",
		"depth":      "1.25",
	} {
		b, err := json.Marshal(got.Payload[key])
		if err != nil {
			t.Fatalf("re-encoding %s: %v", key, err)
		}
		if string(b) != want {
			t.Errorf("%s = %s, want %s", key, b, want)
		}
	}
}

func TestGetReport_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetReport(context.Background(), "does-not-exist")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListReports_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 17, 9, 0, 0, 0, time.UTC)

	reports := []*model.Report{
		sampleReport("tsunami", base),
		sampleReport("flood", base.Add(time.Hour)),
		sampleReport("tsunami", base.Add(2*time.Hour)),
		sampleReport("landslide", base.Add(3*time.Hour)),
	}
	for _, r := range reports {
		if _, err := s.PutReport(ctx, r); err != nil {
			t.Fatalf("PutReport: %v", err)
		}
	}
	if err := s.MarkReportSynced(ctx, reports[0].ID, "srv-1"); err != nil {
		t.Fatalf("MarkReportSynced: %v", err)
	}
	if err := s.MarkReportSynced(ctx, reports[3].ID, "srv-4"); err != nil {
		t.Fatalf("MarkReportSynced: %v", err)
	}

	tests := []struct {
		name   string
		filter model.ReportFilter
		want   []string
	}{
		{"all", model.ReportFilter{}, []string{reports[0].ID, reports[1].ID, reports[2].ID, reports[3].ID}},
		{"unsynced", model.ReportFilter{Synced: model.Bool(false)}, []string{reports[1].ID, reports[2].ID}},
		{"synced", model.ReportFilter{Synced: model.Bool(true)}, []string{reports[0].ID, reports[3].ID}},
		{"tsunami", model.ReportFilter{HazardType: "tsunami"}, []string{reports[0].ID, reports[2].ID}},
		{"tsunami unsynced", model.ReportFilter{HazardType: "tsunami", Synced: model.Bool(false)}, []string{reports[2].ID}},
		{"date range", model.ReportFilter{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)}, []string{reports[1].ID, reports[2].ID}},
		{"no match", model.ReportFilter{HazardType: "volcano"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListReports(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListReports: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d reports, want %d", len(got), len(tt.want))
			}
			for i, r := range got {
				if r.ID != tt.want[i] {
					t.Errorf("report[%d] = %q, want %q", i, r.ID, tt.want[i])
				}
			}
		})
	}
}

func TestMarkReportSynced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := sampleReport("flood", time.Now())
	if _, err := s.PutReport(ctx, r); err != nil {
		t.Fatalf("PutReport: %v", err)
	}

	if err := s.MarkReportSynced(ctx, r.ID, "srv-42"); err != nil {
		t.Fatalf("MarkReportSynced: %v", err)
	}
	got, err := s.GetReport(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if !got.Synced || got.ServerID != "srv-42" {
		t.Errorf("synced=%v serverID=%q, want true/srv-42", got.Synced, got.ServerID)
	}
	if got.SyncedAt.IsZero() {
		t.Error("SyncedAt not set")
	}

	// A second mark keeps the first server id.
	if err := s.MarkReportSynced(ctx, r.ID, "srv-other"); err != nil {
		t.Fatalf("second MarkReportSynced: %v", err)
	}
	got, _ = s.GetReport(ctx, r.ID)
	if got.ServerID != "srv-42" {
		t.Errorf("ServerID after re-mark = %q, want %q", got.ServerID, "srv-42")
	}
}

func TestMarkReportSynced_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.MarkReportSynced(context.Background(), "missing", "srv-1")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMarkReportSynced_EmptyServerID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := sampleReport("flood", time.Now())
	if _, err := s.PutReport(ctx, r); err != nil {
		t.Fatalf("PutReport: %v", err)
	}
	if err := s.MarkReportSynced(ctx, r.ID, ""); err == nil {
		t.Fatal("expected error for empty server id, got nil")
	}
}

func TestMarkReportFailedAndRevive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := sampleReport("flood", time.Now())
	if _, err := s.CaptureReport(ctx, r, model.PriorityHigh, 3); err != nil {
		t.Fatalf("CaptureReport: %v", err)
	}
	if _, err := s.RemoveQueueItemsForReport(ctx, r.ID); err != nil {
		t.Fatalf("RemoveQueueItemsForReport: %v", err)
	}
	if err := s.MarkReportFailed(ctx, r.ID, "rejected"); err != nil {
		t.Fatalf("MarkReportFailed: %v", err)
	}

	failed, err := s.ListReports(ctx, model.ReportFilter{Failed: model.Bool(true)})
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(failed) != 1 || failed[0].LastError != "rejected" || failed[0].Synced {
		t.Fatalf("failed reports = %+v, want one unsynced with LastError", failed)
	}

	item, err := s.ReviveReport(ctx, r.ID, model.PriorityHigh, 3)
	if err != nil {
		t.Fatalf("ReviveReport: %v", err)
	}
	if item.ReportID != r.ID || item.Action != model.ActionCreateReport {
		t.Errorf("revived item = %+v, want create_report for %q", item, r.ID)
	}
	got, _ := s.GetReport(ctx, r.ID)
	if got.Failed {
		t.Error("report still failed after revive")
	}
}

func TestDeleteReport(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := sampleReport("flood", time.Now())
	if _, err := s.PutReport(ctx, r); err != nil {
		t.Fatalf("PutReport: %v", err)
	}
	if err := s.DeleteReport(ctx, r.ID); err != nil {
		t.Fatalf("DeleteReport: %v", err)
	}
	if err := s.DeleteReport(ctx, r.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("second DeleteReport error = %v, want ErrNotFound", err)
	}
}

func TestSyncedBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := sampleReport("flood", time.Now())
	recent := sampleReport("flood", time.Now())
	pending := sampleReport("flood", time.Now())
	for _, r := range []*model.Report{old, recent, pending} {
		if _, err := s.PutReport(ctx, r); err != nil {
			t.Fatalf("PutReport: %v", err)
		}
	}

	past := time.Now().Add(-48 * time.Hour)
	s.now = func() time.Time { return past }
	if err := s.MarkReportSynced(ctx, old.ID, "srv-old"); err != nil {
		t.Fatalf("MarkReportSynced: %v", err)
	}
	s.now = time.Now
	if err := s.MarkReportSynced(ctx, recent.ID, "srv-new"); err != nil {
		t.Fatalf("MarkReportSynced: %v", err)
	}

	ids, err := s.SyncedBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("SyncedBefore: %v", err)
	}
	if len(ids) != 1 || ids[0] != old.ID {
		t.Errorf("SyncedBefore = %v, want [%s]", ids, old.ID)
	}
}

func TestCaptureReport_WritesReportAndQueueItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := sampleReport("tsunami", time.Now())

	item, err := s.CaptureReport(ctx, r, model.PriorityHigh, 0)
	if err != nil {
		t.Fatalf("CaptureReport: %v", err)
	}
	if item.ID == 0 {
		t.Error("CaptureReport did not set queue item ID")
	}
	if item.MaxRetries != model.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", item.MaxRetries, model.DefaultMaxRetries)
	}

	items, err := s.QueueItemsForReport(ctx, r.ID)
	if err != nil {
		t.Fatalf("QueueItemsForReport: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queue items for report = %d, want 1", len(items))
	}
	var data model.CreateReportData
	if err := json.Unmarshal(items[0].Data, &data); err != nil {
		t.Fatalf("decoding queue data: %v", err)
	}
	if data.ReportID != r.ID || data.Payload["hazardType"] != "tsunami" {
		t.Errorf("queue data = %+v, want report id and payload", data)
	}
}

func TestCaptureReport_DuplicateIDRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := sampleReport("flood", time.Now())
	if _, err := s.CaptureReport(ctx, r, model.PriorityMedium, 3); err != nil {
		t.Fatalf("CaptureReport: %v", err)
	}

	// Same id again: the report insert fails, so no second queue item may appear.
	if _, err := s.CaptureReport(ctx, r, model.PriorityMedium, 3); err == nil {
		t.Fatal("expected duplicate id error, got nil")
	}
	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Total != 1 || counts.PendingQueue != 1 {
		t.Errorf("counts = %+v, want 1 report and 1 queue item", counts)
	}
}

func TestEnqueue_RejectsUnknownAction(t *testing.T) {
	s := openTestStore(t)
	err := s.Enqueue(context.Background(), &model.QueueItem{Action: "explode"})
	if !errors.Is(err, model.ErrUnknownAction) {
		t.Errorf("error = %v, want ErrUnknownAction", err)
	}
}

func TestListQueue_PriorityThenCreation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	enqueue := func(p model.Priority, offset time.Duration) int64 {
		t.Helper()
		item := &model.QueueItem{Action: model.ActionUploadMedia, Priority: p, CreatedAt: base.Add(offset)}
		if err := s.Enqueue(ctx, item); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		return item.ID
	}

	lowOld := enqueue(model.PriorityLow, 0)
	highNew := enqueue(model.PriorityHigh, 3*time.Minute)
	medium := enqueue(model.PriorityMedium, time.Minute)
	highOld := enqueue(model.PriorityHigh, 2*time.Minute)

	items, err := s.ListQueue(ctx)
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	want := []int64{highOld, highNew, medium, lowOld}
	if len(items) != len(want) {
		t.Fatalf("queue length = %d, want %d", len(items), len(want))
	}
	for i, item := range items {
		if item.ID != want[i] {
			t.Errorf("queue[%d] = %d, want %d", i, item.ID, want[i])
		}
	}
}

func TestUpdateRetry_RemovesPastMax(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	item := &model.QueueItem{Action: model.ActionUpdateProfile, Priority: model.PriorityLow, MaxRetries: 2}
	if err := s.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for want := 1; want <= 2; want++ {
		removed, err := s.UpdateRetry(ctx, item.ID, "timeout")
		if err != nil {
			t.Fatalf("UpdateRetry #%d: %v", want, err)
		}
		if removed {
			t.Fatalf("UpdateRetry #%d removed the item early", want)
		}
		items, _ := s.ListQueue(ctx)
		if len(items) != 1 || items[0].RetryCount != want {
			t.Fatalf("after retry #%d queue = %+v, want retry_count %d", want, items, want)
		}
		if items[0].LastRetryAt.IsZero() || items[0].LastError != "timeout" {
			t.Errorf("retry bookkeeping not recorded: %+v", items[0])
		}
	}

	removed, err := s.UpdateRetry(ctx, item.ID, "timeout")
	if err != nil {
		t.Fatalf("final UpdateRetry: %v", err)
	}
	if !removed {
		t.Error("UpdateRetry past max did not remove the item")
	}
	items, _ := s.ListQueue(ctx)
	if len(items) != 0 {
		t.Errorf("queue length = %d, want 0", len(items))
	}

	if _, err := s.UpdateRetry(ctx, item.ID, "timeout"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("UpdateRetry on removed item error = %v, want ErrNotFound", err)
	}
}

func TestRemoveQueueItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	item := &model.QueueItem{Action: model.ActionUploadMedia}
	if err := s.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.RemoveQueueItem(ctx, item.ID); err != nil {
		t.Fatalf("RemoveQueueItem: %v", err)
	}
	if err := s.RemoveQueueItem(ctx, item.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("second RemoveQueueItem error = %v, want ErrNotFound", err)
	}
}

func TestSnapshot_ReplaceWholesale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot on empty store: %v", err)
	}
	if got != nil {
		t.Fatalf("LoadSnapshot on empty store = %+v, want nil", got)
	}

	first := &model.Snapshot{
		HazardTypes: []json.RawMessage{json.RawMessage(`"flood"`), json.RawMessage(`"fire"`)},
		FetchedAt:   time.Now().UTC(),
	}
	second := &model.Snapshot{
		HazardTypes: []json.RawMessage{json.RawMessage(`"tsunami"`)},
		AlertLevels: []json.RawMessage{json.RawMessage(`"red"`)},
		FetchedAt:   time.Now().UTC(),
	}
	if err := s.SaveSnapshot(ctx, first); err != nil {
		t.Fatalf("SaveSnapshot(first): %v", err)
	}
	if err := s.SaveSnapshot(ctx, second); err != nil {
		t.Fatalf("SaveSnapshot(second): %v", err)
	}

	got, err = s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(got.HazardTypes) != 1 || string(got.HazardTypes[0]) != `"tsunami"` {
		t.Errorf("HazardTypes = %s, want only tsunami", got.HazardTypes)
	}
	if len(got.AlertLevels) != 1 {
		t.Errorf("AlertLevels len = %d, want 1", len(got.AlertLevels))
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Sub-millisecond precision must survive the fixed-width layout.
	ts := time.Date(2026, 2, 17, 14, 30, 0, 123456789, time.UTC)
	r := sampleReport("flood", ts)
	if _, err := s.PutReport(ctx, r); err != nil {
		t.Fatalf("PutReport: %v", err)
	}
	got, err := s.GetReport(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if !got.CreatedAt.Equal(ts) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, ts)
	}
	if !got.SyncedAt.IsZero() {
		t.Errorf("expected zero SyncedAt, got %v", got.SyncedAt)
	}
}

func TestFormatTime_SortsChronologically(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(500 * time.Millisecond)
	if !(formatTime(a) < formatTime(b)) {
		t.Errorf("formatTime(%v)=%q should sort before formatTime(%v)=%q", a, formatTime(a), b, formatTime(b))
	}
}

func TestDefaultDBPath(t *testing.T) {
	path, err := DefaultDBPath()
	if err != nil {
		t.Fatalf("DefaultDBPath: %v", err)
	}
	if path == "" {
		t.Error("DefaultDBPath returned empty string")
	}
}

// Package state manages the SQLite database that holds captured reports, the
// sync queue, and the cached essential-data snapshot.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods. Every mutating method is a single statement
// or a single transaction, so callers never observe a half-written record.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/hazardrelay/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS reports (
    id          TEXT    PRIMARY KEY,
    payload     TEXT    NOT NULL,
    hazard_type TEXT    NOT NULL DEFAULT '',
    created_at  TEXT    NOT NULL,
    synced      INTEGER NOT NULL DEFAULT 0,
    server_id   TEXT    NOT NULL DEFAULT '',
    synced_at   TEXT    NOT NULL DEFAULT '',
    failed      INTEGER NOT NULL DEFAULT 0,
    failed_at   TEXT    NOT NULL DEFAULT '',
    last_error  TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_reports_created_at  ON reports (created_at);
CREATE INDEX IF NOT EXISTS idx_reports_hazard_type ON reports (hazard_type);
CREATE INDEX IF NOT EXISTS idx_reports_synced      ON reports (synced);

CREATE TABLE IF NOT EXISTS queue_items (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    action        TEXT    NOT NULL,
    data          TEXT    NOT NULL,
    priority      TEXT    NOT NULL,
    report_id     TEXT    NOT NULL DEFAULT '',
    retry_count   INTEGER NOT NULL DEFAULT 0,
    max_retries   INTEGER NOT NULL,
    created_at    TEXT    NOT NULL,
    last_retry_at TEXT    NOT NULL DEFAULT '',
    last_error    TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_queue_action    ON queue_items (action);
CREATE INDEX IF NOT EXISTS idx_queue_priority  ON queue_items (priority);
CREATE INDEX IF NOT EXISTS idx_queue_report_id ON queue_items (report_id) WHERE report_id != '';

CREATE TABLE IF NOT EXISTS essential_data (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// snapshotKey is the single essential_data row holding the reference lists.
const snapshotKey = "essential_snapshot"

// Store is the SQLite-backed local store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultDBPath returns the default path for the database:
// ~/.local/share/hazardrelay/offline.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "hazardrelay", "offline.db"), nil
}

// Open opens (or creates) the SQLite database at path and applies the schema.
// WAL with synchronous=FULL makes every committed write durable before the
// call returns. Any failure here wraps [model.ErrStorage].
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storageErr("creating state directory", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, storageErr(fmt.Sprintf("opening database %q", path), err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, storageErr("applying schema", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- reports -----------------------------------------------------------------

const reportColumns = `id, payload, hazard_type, created_at, synced, server_id,
		       synced_at, failed, failed_at, last_error`

// PutReport inserts a new report and returns its id.
func (s *Store) PutReport(ctx context.Context, r *model.Report) (string, error) {
	if err := insertReport(ctx, s.db, r); err != nil {
		return "", err
	}
	return r.ID, nil
}

// execer matches both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertReport(ctx context.Context, ex execer, r *model.Report) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload for report %q: %w", r.ID, err)
	}
	const q = `
		INSERT INTO reports (id, payload, hazard_type, created_at)
		VALUES (?, ?, ?, ?)`
	if _, err := ex.ExecContext(ctx, q, r.ID, string(payload), r.HazardType, formatTime(r.CreatedAt)); err != nil {
		return storageErr(fmt.Sprintf("inserting report %q", r.ID), err)
	}
	return nil
}

// GetReport returns the report with the given local id, or an error wrapping
// [model.ErrNotFound].
func (s *Store) GetReport(ctx context.Context, id string) (*model.Report, error) {
	q := `SELECT ` + reportColumns + ` FROM reports WHERE id = ?`
	r, err := scanReport(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %q: %w", id, model.ErrNotFound)
	}
	return r, err
}

// ListReports returns a snapshot of the reports matching f, oldest first.
// An empty filter returns every report.
func (s *Store) ListReports(ctx context.Context, f model.ReportFilter) ([]*model.Report, error) {
	var (
		where []string
		args  []any
	)
	if f.HazardType != "" {
		where = append(where, "hazard_type = ?")
		args = append(args, f.HazardType)
	}
	if f.Synced != nil {
		where = append(where, "synced = ?")
		args = append(args, boolInt(*f.Synced))
	}
	if f.Failed != nil {
		where = append(where, "failed = ?")
		args = append(args, boolInt(*f.Failed))
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(f.To))
	}

	q := `SELECT ` + reportColumns + ` FROM reports`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("querying reports", err)
	}
	defer func() { _ = rows.Close() }()

	var reports []*model.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating reports", err)
	}
	return reports, nil
}

// MarkReportSynced records the server id for a report. Marking an already
// synced report is a no-op that keeps the original server id.
func (s *Store) MarkReportSynced(ctx context.Context, localID, serverID string) error {
	if serverID == "" {
		return fmt.Errorf("marking report %q synced: empty server id", localID)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
			UPDATE reports
			SET synced = 1, server_id = ?, synced_at = ?, failed = 0, failed_at = '', last_error = ''
			WHERE id = ? AND synced = 0`
		res, err := tx.ExecContext(ctx, q, serverID, formatTime(s.now()), localID)
		if err != nil {
			return storageErr(fmt.Sprintf("marking report %q synced", localID), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		return reportExists(ctx, tx, localID)
	})
}

// MarkReportFailed moves an unsynced report into the dead-lettered state.
func (s *Store) MarkReportFailed(ctx context.Context, localID, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
			UPDATE reports SET failed = 1, failed_at = ?, last_error = ?
			WHERE id = ? AND synced = 0`
		res, err := tx.ExecContext(ctx, q, formatTime(s.now()), reason, localID)
		if err != nil {
			return storageErr(fmt.Sprintf("marking report %q failed", localID), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		return reportExists(ctx, tx, localID)
	})
}

// ReviveReport clears the failed flag of a dead-lettered report and gives it
// a fresh create_report queue item. Synced reports cannot be revived.
func (s *Store) ReviveReport(ctx context.Context, localID string, priority model.Priority, maxRetries int) (*model.QueueItem, error) {
	var item *model.QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT ` + reportColumns + ` FROM reports WHERE id = ?`
		r, err := scanReport(tx.QueryRowContext(ctx, q, localID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("report %q: %w", localID, model.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if r.Synced {
			return fmt.Errorf("report %q is already synced", localID)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE reports SET failed = 0, failed_at = '', last_error = '' WHERE id = ?`, localID); err != nil {
			return storageErr(fmt.Sprintf("reviving report %q", localID), err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE report_id = ?`, localID); err != nil {
			return storageErr(fmt.Sprintf("clearing queue for report %q", localID), err)
		}
		item, err = model.NewCreateReportItem(r, priority, maxRetries)
		if err != nil {
			return err
		}
		return s.insertQueueItem(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// DeleteReport removes a report. Used by retention cleanup only.
func (s *Store) DeleteReport(ctx context.Context, localID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, localID)
	if err != nil {
		return storageErr(fmt.Sprintf("deleting report %q", localID), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("report %q: %w", localID, model.ErrNotFound)
	}
	return nil
}

// SyncedBefore returns the ids of synced reports whose sync time is older
// than cutoff.
func (s *Store) SyncedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	const q = `SELECT id FROM reports WHERE synced = 1 AND synced_at < ? ORDER BY synced_at`
	rows, err := s.db.QueryContext(ctx, q, formatTime(cutoff))
	if err != nil {
		return nil, storageErr("querying synced reports", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scanning report id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating synced reports", err)
	}
	return ids, nil
}

// Counts returns report and queue totals.
func (s *Store) Counts(ctx context.Context) (model.ReportCounts, error) {
	var c model.ReportCounts
	const q = `
		SELECT COUNT(*),
		       COALESCE(SUM(synced), 0),
		       COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(failed), 0)
		FROM reports`
	if err := s.db.QueryRowContext(ctx, q).Scan(&c.Total, &c.Synced, &c.Unsynced, &c.Failed); err != nil {
		return c, storageErr("counting reports", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&c.PendingQueue); err != nil {
		return c, storageErr("counting queue items", err)
	}
	return c, nil
}

// --- capture -----------------------------------------------------------------

// CaptureReport inserts r and its create_report queue item in one
// transaction: either both exist afterwards or neither does.
func (s *Store) CaptureReport(ctx context.Context, r *model.Report, priority model.Priority, maxRetries int) (*model.QueueItem, error) {
	item, err := model.NewCreateReportItem(r, priority, maxRetries)
	if err != nil {
		return nil, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertReport(ctx, tx, r); err != nil {
			return err
		}
		return s.insertQueueItem(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// --- queue -------------------------------------------------------------------

const queueColumns = `id, action, data, priority, report_id, retry_count,
		       max_retries, created_at, last_retry_at, last_error`

// Enqueue inserts a queue item and sets its ID. Unknown actions and
// priorities are rejected. MaxRetries defaults to [model.DefaultMaxRetries].
func (s *Store) Enqueue(ctx context.Context, item *model.QueueItem) error {
	return s.insertQueueItem(ctx, s.db, item)
}

func (s *Store) insertQueueItem(ctx context.Context, ex execer, item *model.QueueItem) error {
	if !item.Action.Valid() {
		return fmt.Errorf("enqueue: %w: %q", model.ErrUnknownAction, item.Action)
	}
	if item.Priority == "" {
		item.Priority = model.PriorityMedium
	}
	if !item.Priority.Valid() {
		return fmt.Errorf("enqueue: unknown priority %q", item.Priority)
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = model.DefaultMaxRetries
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now().UTC()
	}
	if len(item.Data) == 0 {
		item.Data = json.RawMessage("{}")
	}
	item.RetryCount = 0

	const q = `
		INSERT INTO queue_items (action, data, priority, report_id, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	res, err := ex.ExecContext(ctx, q,
		string(item.Action),
		string(item.Data),
		string(item.Priority),
		item.ReportID,
		item.MaxRetries,
		formatTime(item.CreatedAt),
	)
	if err != nil {
		return storageErr(fmt.Sprintf("enqueuing %s", item.Action), err)
	}
	id, err := res.LastInsertId()
	if err == nil && id > 0 {
		item.ID = id
	}
	return nil
}

// ListQueue returns all queue items, high priority first, then oldest first.
func (s *Store) ListQueue(ctx context.Context) ([]*model.QueueItem, error) {
	q := `SELECT ` + queueColumns + ` FROM queue_items
		ORDER BY CASE priority
		             WHEN 'high'   THEN 0
		             WHEN 'medium' THEN 1
		             WHEN 'low'    THEN 2
		             ELSE 3
		         END,
		         created_at, id`
	return s.queryQueue(ctx, q)
}

// QueueItemsForReport returns the queue items that reference reportID.
func (s *Store) QueueItemsForReport(ctx context.Context, reportID string) ([]*model.QueueItem, error) {
	q := `SELECT ` + queueColumns + ` FROM queue_items WHERE report_id = ? ORDER BY id`
	return s.queryQueue(ctx, q, reportID)
}

func (s *Store) queryQueue(ctx context.Context, q string, args ...any) ([]*model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("querying queue", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating queue", err)
	}
	return items, nil
}

// UpdateRetry records a failed attempt: retry_count is incremented and
// last_retry_at set. When the increment would push retry_count past
// max_retries the item is deleted instead and removed is true.
func (s *Store) UpdateRetry(ctx context.Context, queueID int64, lastErr string) (removed bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var count, limit int
		err := tx.QueryRowContext(ctx,
			`SELECT retry_count, max_retries FROM queue_items WHERE id = ?`, queueID).Scan(&count, &limit)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("queue item %d: %w", queueID, model.ErrNotFound)
		}
		if err != nil {
			return storageErr(fmt.Sprintf("reading queue item %d", queueID), err)
		}

		if count+1 > limit {
			if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, queueID); err != nil {
				return storageErr(fmt.Sprintf("deleting queue item %d", queueID), err)
			}
			removed = true
			return nil
		}

		const q = `
			UPDATE queue_items SET retry_count = retry_count + 1, last_retry_at = ?, last_error = ?
			WHERE id = ?`
		if _, err := tx.ExecContext(ctx, q, formatTime(s.now()), lastErr, queueID); err != nil {
			return storageErr(fmt.Sprintf("updating retry for queue item %d", queueID), err)
		}
		return nil
	})
	return removed, err
}

// RemoveQueueItem deletes a queue item. Removing an absent item returns an
// error wrapping [model.ErrNotFound].
func (s *Store) RemoveQueueItem(ctx context.Context, queueID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, queueID)
	if err != nil {
		return storageErr(fmt.Sprintf("deleting queue item %d", queueID), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue item %d: %w", queueID, model.ErrNotFound)
	}
	return nil
}

// RemoveQueueItemsForReport deletes every queue item referencing reportID and
// returns how many were removed.
func (s *Store) RemoveQueueItemsForReport(ctx context.Context, reportID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE report_id = ?`, reportID)
	if err != nil {
		return 0, storageErr(fmt.Sprintf("deleting queue items for report %q", reportID), err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- essential data ----------------------------------------------------------

// SaveSnapshot replaces the cached essential-data snapshot in one statement.
func (s *Store) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	const q = `INSERT OR REPLACE INTO essential_data (key, value, updated_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, snapshotKey, string(b), formatTime(s.now())); err != nil {
		return storageErr("saving snapshot", err)
	}
	return nil
}

// LoadSnapshot returns the cached snapshot, or (nil, nil) if none was ever
// saved.
func (s *Store) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM essential_data WHERE key = ?`, snapshotKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "never populated" sentinel
	}
	if err != nil {
		return nil, storageErr("loading snapshot", err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// --- helpers -----------------------------------------------------------------

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("committing transaction", err)
	}
	return nil
}

// reportExists returns nil if the report is present and a wrapped
// ErrNotFound otherwise.
func reportExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM reports WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("report %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return storageErr(fmt.Sprintf("looking up report %q", id), err)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrStorage, err)
}

// scanner matches both *sql.Row and *sql.Rows so the scan helpers can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanReport(s scanner) (*model.Report, error) {
	var (
		r                             model.Report
		payload, created, synced, fAt string
		syncedFlag, failedFlag        int
	)
	err := s.Scan(
		&r.ID,
		&payload,
		&r.HazardType,
		&created,
		&syncedFlag,
		&r.ServerID,
		&synced,
		&failedFlag,
		&fAt,
		&r.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("scanning report row", err)
	}

	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&r.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload of report %q: %w", r.ID, err)
	}
	r.Synced = syncedFlag != 0
	r.Failed = failedFlag != 0
	r.CreatedAt, _ = parseTime(created)
	r.SyncedAt, _ = parseTime(synced)
	r.FailedAt, _ = parseTime(fAt)
	return &r, nil
}

func scanQueueItem(s scanner) (*model.QueueItem, error) {
	var (
		item               model.QueueItem
		action, data, prio string
		created, lastRetry string
	)
	err := s.Scan(
		&item.ID,
		&action,
		&data,
		&prio,
		&item.ReportID,
		&item.RetryCount,
		&item.MaxRetries,
		&created,
		&lastRetry,
		&item.LastError,
	)
	if err != nil {
		return nil, storageErr("scanning queue row", err)
	}

	// Unknown tags are kept as-is so the worker can report them instead of
	// the store silently hiding rows.
	item.Action = model.Action(action)
	item.Data = json.RawMessage(data)
	item.Priority = model.Priority(prio)
	item.CreatedAt, _ = parseTime(created)
	item.LastRetryAt, _ = parseTime(lastRetry)
	return &item, nil
}

// timeLayout is fixed-width so that stored timestamps sort lexically in the
// same order as chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

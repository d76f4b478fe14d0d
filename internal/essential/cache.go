// Package essential keeps the reference lists (hazard types, severity levels,
// alert levels) that a capture form needs while offline.
//
// A refresh replaces the cached [model.Snapshot] wholesale, and only when all
// three lists were fetched. A failed refresh leaves the previous snapshot in
// place.
package essential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/njoerd114/hazardrelay/internal/model"
)

// Source fetches the reference lists from the server.
// Implemented by [remote.Client].
type Source interface {
	FetchHazardTypes(ctx context.Context) ([]json.RawMessage, error)
	FetchSeverityLevels(ctx context.Context) ([]json.RawMessage, error)
	FetchAlertLevels(ctx context.Context) ([]json.RawMessage, error)
}

// SnapshotStore persists the snapshot. Implemented by [state.Store] and
// [RedisStore].
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
	LoadSnapshot(ctx context.Context) (*model.Snapshot, error)
}

// Cache holds the last good snapshot in memory and in a SnapshotStore.
type Cache struct {
	source Source
	store  SnapshotStore
	log    *slog.Logger
	now    func() time.Time

	refreshMu sync.Mutex // serializes Refresh

	mu      sync.RWMutex
	current *model.Snapshot
}

// NewCache creates an empty Cache. Call [Cache.Load] to prime it from the
// store.
func NewCache(source Source, store SnapshotStore, logger *slog.Logger) *Cache {
	return &Cache{source: source, store: store, log: logger, now: time.Now}
}

// Load reads the persisted snapshot into memory. A missing snapshot is not
// an error.
func (c *Cache) Load(ctx context.Context) error {
	snap, err := c.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("loading essential data: %w", err)
	}
	if snap != nil {
		c.set(snap)
	}
	return nil
}

// Get returns the last cached snapshot, or nil if none was ever stored.
// Callers fall back to built-in defaults on nil.
func (c *Cache) Get() *model.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Cache) set(snap *model.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = snap
}

// Refresh fetches all three lists. Each fetch is attempted even if another
// fails. The new snapshot is persisted and swapped in only if all three
// succeed; otherwise the joined fetch errors are returned and nothing
// changes.
func (c *Cache) Refresh(ctx context.Context) (*model.Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	var errs []error
	fetch := func(name string, fn func(context.Context) ([]json.RawMessage, error)) []json.RawMessage {
		list, err := fn(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetching %s: %w", name, err))
			return nil
		}
		if list == nil {
			list = []json.RawMessage{}
		}
		return list
	}

	snap := &model.Snapshot{
		HazardTypes:    fetch("hazard types", c.source.FetchHazardTypes),
		SeverityLevels: fetch("severity levels", c.source.FetchSeverityLevels),
		AlertLevels:    fetch("alert levels", c.source.FetchAlertLevels),
		FetchedAt:      c.now().UTC(),
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		c.log.Warn("essential data refresh failed, keeping previous snapshot", "error", err)
		return nil, err
	}

	if err := c.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("saving essential data: %w", err)
	}
	c.set(snap)
	c.log.Info("essential data refreshed",
		"hazard_types", len(snap.HazardTypes),
		"severity_levels", len(snap.SeverityLevels),
		"alert_levels", len(snap.AlertLevels),
	)
	return snap, nil
}

// Run refreshes every interval until ctx is cancelled. Failures are logged.
func (c *Cache) Run(ctx context.Context, interval time.Duration, online func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if online != nil && !online() {
				continue
			}
			_, _ = c.Refresh(ctx)
		}
	}
}

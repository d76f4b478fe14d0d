// Package offline wires the local store, the sync engine, and the essential
// data cache into one [Service]. A host opens a Service once at startup,
// captures reports through it while disconnected, and closes it on exit.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/njoerd114/hazardrelay/internal/config"
	"github.com/njoerd114/hazardrelay/internal/connectivity"
	"github.com/njoerd114/hazardrelay/internal/essential"
	"github.com/njoerd114/hazardrelay/internal/model"
	"github.com/njoerd114/hazardrelay/internal/remote"
	"github.com/njoerd114/hazardrelay/internal/state"
	syncp "github.com/njoerd114/hazardrelay/internal/sync"
)

// Remote is everything the Service needs from the server side.
// Implemented by [remote.Client].
type Remote interface {
	syncp.Submitter
	essential.Source
	UploadMedia(ctx context.Context, data json.RawMessage) error
	UpdateProfile(ctx context.Context, data json.RawMessage) error
}

// Option customizes [Open].
type Option func(*options)

type options struct {
	remote  Remote
	monitor connectivity.Monitor
}

// WithRemote replaces the HTTP client built from the config.
func WithRemote(r Remote) Option {
	return func(o *options) { o.remote = r }
}

// WithMonitor replaces the HTTP probe built from the config, e.g. with a
// [connectivity.Manual] driven by the host.
func WithMonitor(m connectivity.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// Stats summarizes local state for inspection.
type Stats struct {
	TotalReports      int       `json:"totalReports"`
	UnsyncedCount     int       `json:"unsyncedCount"`
	SyncedCount       int       `json:"syncedCount"`
	FailedCount       int       `json:"failedCount"`
	PendingQueueItems int       `json:"pendingQueueItems"`
	IsOnline          bool      `json:"isOnline"`
	SyncInProgress    bool      `json:"syncInProgress"`
	LastSyncAt        time.Time `json:"lastSyncAt"`
}

// Service is the engine context. All methods are safe for concurrent use.
type Service struct {
	cfg     *config.Config
	store   *state.Store
	remote  Remote
	monitor connectivity.Monitor
	probe   *connectivity.Probe // nil when the monitor was supplied
	worker  *syncp.Worker
	engine  *syncp.Engine
	cache   *essential.Cache
	redis   *essential.RedisStore // nil unless the redis backend is active
	log     *slog.Logger
	now     func() time.Time

	// Goroutines started by Run and its subscriptions. draining keeps
	// bg.Add from racing bg.Wait.
	bgMu     gosync.Mutex
	bg       gosync.WaitGroup
	draining bool
}

// Open opens the local store and builds the engine around it. A store
// failure is returned wrapping [model.ErrStorage]; every other component
// degrades with a warning instead.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// --- Store ---------------------------------------------------------------

	dbPath := cfg.DBPath
	if dbPath == "" {
		p, err := state.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolving database path: %w: %w", model.ErrStorage, err)
		}
		dbPath = p
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening local store at %q: %w", dbPath, err)
	}
	logger.Info("local store opened", "path", dbPath)

	s := &Service{
		cfg:     cfg,
		store:   store,
		remote:  o.remote,
		monitor: o.monitor,
		log:     logger,
		now:     time.Now,
	}

	// --- Collaborators -------------------------------------------------------

	if s.remote == nil {
		s.remote = remote.NewClient(cfg.APIURL, cfg.APIToken, cfg.RequestTimeout, logger)
	}
	if s.monitor == nil {
		s.probe = connectivity.NewProbe(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval, nil, logger)
		s.monitor = s.probe
	}

	// --- Essential data ------------------------------------------------------

	var snapshots essential.SnapshotStore = store
	if cfg.EssentialData.Backend == config.BackendRedis {
		rs, err := essential.DialRedis(ctx, essential.RedisConfig{
			Addr:     cfg.EssentialData.Redis.Addr,
			Password: cfg.EssentialData.Redis.Password,
			DB:       cfg.EssentialData.Redis.DB,
			Key:      cfg.EssentialData.Redis.Key,
		})
		if err != nil {
			logger.Warn("redis unavailable, keeping essential data in the local store", "error", err)
		} else {
			s.redis = rs
			snapshots = rs
		}
	}
	s.cache = essential.NewCache(s.remote, snapshots, logger)
	if err := s.cache.Load(ctx); err != nil {
		logger.Warn("could not load cached essential data", "error", err)
	}

	// --- Sync ----------------------------------------------------------------

	s.worker = syncp.NewWorker(store, s.remote, s.monitor, cfg.MaxRetries, logger)
	s.worker.Handle(model.ActionUploadMedia, s.remote.UploadMedia)
	s.worker.Handle(model.ActionUpdateProfile, s.remote.UpdateProfile)
	s.engine = syncp.NewEngine(s.worker, s.monitor, cfg.SyncInterval, logger)

	return s, nil
}

// Close stops background work, waits for running cycles, and releases the
// store and any backend connections.
func (s *Service) Close() error {
	s.drain()
	var errs []error
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing local store: %w", err))
	}
	return errors.Join(errs...)
}

// --- Capture -----------------------------------------------------------------

// CaptureReport durably stores payload and queues it for submission. It
// never touches the network. The returned id is the local report id.
func (s *Service) CaptureReport(ctx context.Context, payload map[string]any) (string, error) {
	r := model.NewReport(payload, s.now())
	item, err := s.store.CaptureReport(ctx, r, model.PriorityHigh, s.cfg.MaxRetries)
	if err != nil {
		return "", fmt.Errorf("capturing report: %w", err)
	}
	s.log.Info("report captured", "report_id", r.ID, "queue_id", item.ID, "hazard_type", r.HazardType)
	return r.ID, nil
}

// QueueAction queues non-report work such as a media upload. Reports go
// through [Service.CaptureReport] instead.
func (s *Service) QueueAction(ctx context.Context, action model.Action, data json.RawMessage, priority model.Priority) (int64, error) {
	if action == model.ActionCreateReport {
		return 0, fmt.Errorf("queue action: use CaptureReport for %q", action)
	}
	item := &model.QueueItem{
		Action:     action,
		Data:       data,
		Priority:   priority,
		MaxRetries: s.cfg.MaxRetries,
	}
	if err := s.store.Enqueue(ctx, item); err != nil {
		return 0, fmt.Errorf("queueing %s: %w", action, err)
	}
	s.log.Info("action queued", "action", action, "queue_id", item.ID, "priority", priority)
	return item.ID, nil
}

// RetryFailedReport gives a dead-lettered report a fresh retry budget.
func (s *Service) RetryFailedReport(ctx context.Context, localID string) error {
	item, err := s.store.ReviveReport(ctx, localID, model.PriorityHigh, s.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("retrying report %q: %w", localID, err)
	}
	s.log.Info("failed report requeued", "report_id", localID, "queue_id", item.ID)
	return nil
}

// --- Inspection --------------------------------------------------------------

// ListOfflineReports returns the reports matching f, oldest first.
func (s *Service) ListOfflineReports(ctx context.Context, f model.ReportFilter) ([]*model.Report, error) {
	return s.store.ListReports(ctx, f)
}

// ListQueue returns pending queue items in drain order.
func (s *Service) ListQueue(ctx context.Context) ([]*model.QueueItem, error) {
	return s.store.ListQueue(ctx)
}

// Stats returns store counts plus the live sync state.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	c, err := s.store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalReports:      c.Total,
		UnsyncedCount:     c.Unsynced,
		SyncedCount:       c.Synced,
		FailedCount:       c.Failed,
		PendingQueueItems: c.PendingQueue,
		IsOnline:          s.monitor.Online(),
		SyncInProgress:    s.worker.InProgress(),
		LastSyncAt:        s.worker.LastSyncAt(),
	}, nil
}

// EssentialData returns the cached reference lists, or nil if they were
// never fetched.
func (s *Service) EssentialData() *model.Snapshot {
	return s.cache.Get()
}

// RefreshEssentialData fetches the reference lists now.
func (s *Service) RefreshEssentialData(ctx context.Context) (*model.Snapshot, error) {
	return s.cache.Refresh(ctx)
}

// --- Sync --------------------------------------------------------------------

// SyncNow runs one cycle and waits for it.
func (s *Service) SyncNow(ctx context.Context) (syncp.CycleStats, error) {
	return s.engine.RunOnce(ctx)
}

// TriggerSync starts a cycle in the background. See [syncp.Engine.Trigger].
func (s *Service) TriggerSync(ctx context.Context) error {
	return s.engine.Trigger(ctx)
}

// Online reports the monitor's current state.
func (s *Service) Online() bool {
	return s.monitor.Online()
}

// --- Retention ---------------------------------------------------------------

// Cleanup deletes synced reports older than retention.max_age. It is a no-op
// when retention is disabled.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	if s.cfg.Retention.MaxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.Retention.MaxAge)
	ids, err := s.store.SyncedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention cleanup: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := s.store.DeleteReport(ctx, id); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("retention cleanup: %w", err)
		}
		n++
	}
	if n > 0 {
		s.log.Info("old synced reports deleted", "count", n, "cutoff", cutoff.UTC())
	}
	return n, nil
}

// --- Daemon ------------------------------------------------------------------

// Run starts the background loops: the connectivity probe (unless a monitor
// was supplied), the sync engine, essential data refresh, and retention
// cleanup. It blocks until ctx is cancelled and every loop and background
// cycle has returned.
func (s *Service) Run(ctx context.Context) error {
	s.monitor.Subscribe(func() {
		s.goBackground(func() { s.refresh(ctx, "connectivity regained") })
	})

	if s.probe != nil {
		s.goBackground(func() { _ = s.probe.Run(ctx) })
	}
	s.goBackground(func() { _ = s.cache.Run(ctx, s.cfg.EssentialData.RefreshInterval, s.monitor.Online) })
	if s.cfg.Retention.MaxAge > 0 {
		s.goBackground(func() { s.runRetention(ctx) })
	}
	if s.monitor.Online() {
		s.goBackground(func() { s.refresh(ctx, "startup") })
	}

	err := s.engine.Run(ctx)
	s.drain()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// goBackground runs fn on a tracked goroutine. It does nothing once the
// service is draining.
func (s *Service) goBackground(fn func()) {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.draining {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
	}()
}

// drain refuses new background work, shuts the engine down, and waits for
// everything still running.
func (s *Service) drain() {
	s.bgMu.Lock()
	s.draining = true
	s.bgMu.Unlock()
	s.engine.Shutdown()
	s.bg.Wait()
}

func (s *Service) refresh(ctx context.Context, reason string) {
	s.log.Debug("refreshing essential data", "reason", reason)
	_, _ = s.cache.Refresh(ctx)
}

func (s *Service) runRetention(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Retention.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Cleanup(ctx); err != nil {
			s.log.Error("retention cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

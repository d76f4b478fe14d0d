// Package status serves a small local HTTP API for inspecting the offline
// store and capturing reports from a form running on the same device.
//
//	GET  /stats           counts and sync state
//	GET  /reports         ?synced=&failed=&hazard_type=&from=&to= (RFC 3339)
//	GET  /queue           pending queue items in drain order
//	GET  /essential-data  cached reference lists
//	POST /reports         capture a report (JSON object body)
//	POST /sync            start a sync cycle in the background
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/njoerd114/hazardrelay/internal/model"
	"github.com/njoerd114/hazardrelay/internal/offline"
	syncp "github.com/njoerd114/hazardrelay/internal/sync"
)

// maxBodyBytes bounds a captured report body.
const maxBodyBytes = 1 << 20

// Backend is the part of [offline.Service] the server exposes.
type Backend interface {
	CaptureReport(ctx context.Context, payload map[string]any) (string, error)
	ListOfflineReports(ctx context.Context, f model.ReportFilter) ([]*model.Report, error)
	ListQueue(ctx context.Context) ([]*model.QueueItem, error)
	Stats(ctx context.Context) (offline.Stats, error)
	EssentialData() *model.Snapshot
	TriggerSync(ctx context.Context) error
}

type handler struct {
	backend Backend
	log     *slog.Logger
}

// NewRouter builds the chi router. An empty allowedOrigins allows any origin.
func NewRouter(backend Backend, allowedOrigins []string, logger *slog.Logger) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	h := &handler{backend: backend, log: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/stats", h.stats)
	r.Get("/reports", h.listReports)
	r.Post("/reports", h.captureReport)
	r.Get("/queue", h.listQueue)
	r.Get("/essential-data", h.essentialData)
	r.Post("/sync", h.triggerSync)
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// --- Handlers ----------------------------------------------------------------

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.backend.Stats(r.Context())
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) listReports(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reports, err := h.backend.ListOfflineReports(r.Context(), f)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	out := make([]reportView, 0, len(reports))
	for _, rep := range reports {
		out = append(out, newReportView(rep))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) captureReport(w http.ResponseWriter, r *http.Request) {
	payload, err := model.DecodePayload(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	id, err := h.backend.CaptureReport(r.Context(), payload)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handler) listQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.backend.ListQueue(r.Context())
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	out := make([]queueItemView, 0, len(items))
	for _, it := range items {
		out = append(out, newQueueItemView(it))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) essentialData(w http.ResponseWriter, _ *http.Request) {
	snap := h.backend.EssentialData()
	if snap == nil {
		writeError(w, http.StatusNotFound, "essential data has not been fetched yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	// The cycle outlives the request; the engine cancels it on shutdown.
	err := h.backend.TriggerSync(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	case errors.Is(err, syncp.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, syncp.ErrOffline), errors.Is(err, syncp.ErrEngineStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.serverError(w, r, err)
	}
}

func (h *handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("status request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// --- Query parsing -----------------------------------------------------------

func parseFilter(r *http.Request) (model.ReportFilter, error) {
	q := r.URL.Query()
	f := model.ReportFilter{HazardType: q.Get("hazard_type")}

	parseBool := func(key string) (*bool, error) {
		v := q.Get(key)
		if v == "" {
			return nil, nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a boolean", key, v)
		}
		return &b, nil
	}
	parseTime := func(key string) (time.Time, error) {
		v := q.Get(key)
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %q is not an RFC 3339 time", key, v)
		}
		return t, nil
	}

	var err error
	if f.Synced, err = parseBool("synced"); err != nil {
		return f, err
	}
	if f.Failed, err = parseBool("failed"); err != nil {
		return f, err
	}
	if f.From, err = parseTime("from"); err != nil {
		return f, err
	}
	if f.To, err = parseTime("to"); err != nil {
		return f, err
	}
	return f, nil
}

// --- Middleware --------------------------------------------------------------

// requestLogger logs each request at debug level with its status and duration.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("status request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// hazardrelay captures field hazard reports into a local SQLite queue while
// offline and replays them to the hazard reporting API once the network is
// back.
//
// Usage:
//
//	hazardrelay setup [--config <path>]             # interactive first-run wizard
//	hazardrelay daemon [--config <path>]            # probe, sync loop, refresh, retention, status server
//	hazardrelay sync-once [--config <path>]         # single sync cycle then exit
//	hazardrelay capture [--file <path>]             # store a JSON report (stdin by default)
//	hazardrelay enqueue <action> [--priority p] [--file <path>]  # queue media or profile work
//	hazardrelay list [--synced true|false] [--failed true|false] [--hazard-type t] [--json]
//	hazardrelay stats                               # counts and connectivity
//	hazardrelay refresh                             # fetch essential reference data
//	hazardrelay cleanup                             # delete synced reports past retention
//	hazardrelay retry <report-id>                   # requeue a dead-lettered report
//	hazardrelay version                             # print version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/njoerd114/hazardrelay/internal/config"
	"github.com/njoerd114/hazardrelay/internal/connectivity"
	"github.com/njoerd114/hazardrelay/internal/model"
	"github.com/njoerd114/hazardrelay/internal/offline"
	setupwiz "github.com/njoerd114/hazardrelay/internal/setup"
	"github.com/njoerd114/hazardrelay/internal/state"
	"github.com/njoerd114/hazardrelay/internal/status"
	"github.com/njoerd114/hazardrelay/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the subcommand named by the first argument.
func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "setup":
		return runSetup(args)
	case "daemon":
		return runDaemon(args)
	case "sync-once":
		return runSyncOnce(args)
	case "capture":
		return runCapture(args)
	case "enqueue":
		return runEnqueue(args)
	case "list":
		return runList(args)
	case "stats":
		return runStats(args)
	case "refresh":
		return runRefresh(args)
	case "cleanup":
		return runCleanup(args)
	case "retry":
		return runRetry(args)
	case "version":
		fmt.Println("hazardrelay", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'hazardrelay help' for usage", cmd)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "hazardrelay: offline capture and sync for hazard reports")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  hazardrelay setup [--config ...]      Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  hazardrelay daemon [--config ...]     Run the sync daemon")
	fmt.Fprintln(os.Stderr, "  hazardrelay sync-once [--config ...]  Single sync cycle then exit")
	fmt.Fprintln(os.Stderr, "  hazardrelay capture [--file ...]      Store a JSON report for later sync")
	fmt.Fprintln(os.Stderr, "  hazardrelay enqueue <action> [...]    Queue upload_media or update_profile work")
	fmt.Fprintln(os.Stderr, "  hazardrelay list [filters]            List locally stored reports")
	fmt.Fprintln(os.Stderr, "  hazardrelay stats                     Show counts and connectivity")
	fmt.Fprintln(os.Stderr, "  hazardrelay refresh                   Fetch essential reference data")
	fmt.Fprintln(os.Stderr, "  hazardrelay cleanup                   Delete synced reports past retention")
	fmt.Fprintln(os.Stderr, "  hazardrelay retry <report-id>         Requeue a failed report")
	fmt.Fprintln(os.Stderr, "  hazardrelay version                   Print version")
}

// --- Common setup ------------------------------------------------------------

// common holds the flags every subcommand accepts.
type common struct {
	cfgPath string
	verbose bool
}

func newFlagSet(name string) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := &common{}
	defaultCfg, _ := config.DefaultPath()
	fs.StringVar(&c.cfgPath, "config", defaultCfg, "path to config.yaml")
	fs.BoolVar(&c.verbose, "verbose", false, "enable debug logging")
	return fs, c
}

// env is what a subcommand works with once setup succeeded.
type env struct {
	cfg    *config.Config
	log    *slog.Logger
	svc    *offline.Service
	ctx    context.Context
	closer func()
}

// connectMode selects the connectivity monitor for a subcommand.
type connectMode int

const (
	// localOnly never touches the network.
	localOnly connectMode = iota
	// probeOnce checks reachability once before the command runs.
	probeOnce
	// probeLoop lets the service run its own probe in the background.
	probeLoop
)

func setup(c *common, mode connectMode) (*env, error) {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if c.verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(c.cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", c.cfgPath, err)
	}
	logger.Debug("config loaded",
		"api_url", cfg.APIURL,
		"sync_interval", cfg.SyncInterval,
		"max_retries", cfg.MaxRetries,
		"essential_backend", cfg.EssentialData.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	closers := []func(){stop}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil && mode != localOnly {
		shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			closers = append(closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- Service -------------------------------------------------------------

	var opts []offline.Option
	switch mode {
	case localOnly:
		opts = append(opts, offline.WithMonitor(connectivity.NewManual(false)))
	case probeOnce:
		probe := connectivity.NewProbe(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval, nil, logger)
		if !probe.Check(ctx) {
			logger.Warn("API unreachable", "probe_url", cfg.Connectivity.ProbeURL)
		}
		opts = append(opts, offline.WithMonitor(probe))
	case probeLoop:
	}

	svc, err := offline.Open(ctx, cfg, logger, opts...)
	if err != nil {
		cleanup()
		return nil, err
	}
	closers = append(closers, func() {
		if err := svc.Close(); err != nil {
			logger.Error("closing service", "error", err)
		}
	})

	return &env{cfg: cfg, log: logger, svc: svc, ctx: ctx, closer: cleanup}, nil
}

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup(args []string) error {
	fs, c := newFlagSet("setup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	wiz := setupwiz.NewWizard(os.Stdin, os.Stdout, logger)
	return wiz.Run(ctx, c.cfgPath)
}

func runDaemon(args []string) error {
	fs, c := newFlagSet("daemon")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := setup(c, probeLoop)
	if err != nil {
		return err
	}
	defer e.closer()

	statusErr := make(chan error, 1)
	if addr := e.cfg.Status.ListenAddr; addr != "" {
		router := status.NewRouter(e.svc, e.cfg.Status.AllowedOrigins, e.log)
		go func() { statusErr <- status.Serve(e.ctx, addr, router, e.log) }()
	} else {
		statusErr <- nil
	}

	e.log.Info("daemon starting",
		"sync_interval", e.cfg.SyncInterval,
		"probe_url", e.cfg.Connectivity.ProbeURL,
		"status_addr", e.cfg.Status.ListenAddr,
	)
	runErr := e.svc.Run(e.ctx)
	if err := <-statusErr; err != nil {
		e.log.Error("status server stopped", "error", err)
	}
	if runErr != nil {
		return fmt.Errorf("daemon: %w", runErr)
	}
	e.log.Info("shutdown complete")
	return nil
}

func runSyncOnce(args []string) error {
	fs, c := newFlagSet("sync-once")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := setup(c, probeOnce)
	if err != nil {
		return err
	}
	defer e.closer()

	if !e.svc.Online() {
		e.log.Warn("offline, nothing synced")
		return nil
	}
	stats, err := e.svc.SyncNow(e.ctx)
	e.log.Info("sync complete",
		"synced", stats.Synced,
		"processed", stats.Processed,
		"retried", stats.Retried,
		"dead_lettered", stats.DeadLettered,
		"superseded", stats.Superseded,
		"errors", stats.Errors,
	)
	return err
}

func runCapture(args []string) error {
	fs, c := newFlagSet("capture")
	file := fs.String("file", "-", "JSON report file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	payload, err := readPayload(*file)
	if err != nil {
		return err
	}

	e, err := setup(c, localOnly)
	if err != nil {
		return err
	}
	defer e.closer()

	id, err := e.svc.CaptureReport(e.ctx, payload)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runEnqueue(args []string) error {
	fs, c := newFlagSet("enqueue")
	file := fs.String("file", "-", "JSON data file, - for stdin")
	prio := fs.String("priority", string(model.PriorityMedium), "high, medium or low")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: hazardrelay enqueue <action> [--priority p] [--file path]")
	}
	action, err := model.ParseAction(fs.Arg(0))
	if err != nil {
		return err
	}
	priority, err := model.ParsePriority(*prio)
	if err != nil {
		return err
	}

	r, closeInput, err := openInput(*file)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	closeInput()
	if err != nil {
		return fmt.Errorf("reading action data: %w", err)
	}
	if !json.Valid(data) {
		return errors.New("action data must be valid JSON")
	}

	e, err := setup(c, localOnly)
	if err != nil {
		return err
	}
	defer e.closer()

	id, err := e.svc.QueueAction(e.ctx, action, data, priority)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

// openInput opens path for reading, or stdin for "-".
func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

func readPayload(path string) (map[string]any, error) {
	r, closeInput, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer closeInput()
	payload, err := model.DecodePayload(r)
	if err != nil {
		return nil, fmt.Errorf("report must be a JSON object: %w", err)
	}
	return payload, nil
}

func runList(args []string) error {
	fs, c := newFlagSet("list")
	synced := fs.String("synced", "", "filter by synced state (true|false)")
	failed := fs.String("failed", "", "filter by failed state (true|false)")
	hazardType := fs.String("hazard-type", "", "filter by hazard type")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f := model.ReportFilter{HazardType: *hazardType}
	var err error
	if f.Synced, err = optionalBool("synced", *synced); err != nil {
		return err
	}
	if f.Failed, err = optionalBool("failed", *failed); err != nil {
		return err
	}

	e, err := setup(c, localOnly)
	if err != nil {
		return err
	}
	defer e.closer()

	reports, err := e.svc.ListOfflineReports(e.ctx, f)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	for _, r := range reports {
		fmt.Printf("%-24s %-14s %-8s %s\n", r.ID, orDash(r.HazardType), reportState(r), r.CreatedAt.Local().Format(time.DateTime))
	}
	fmt.Printf("%d report(s)\n", len(reports))
	return nil
}

func optionalBool(name, v string) (*bool, error) {
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("--%s: %q is not a boolean", name, v)
	}
	return &b, nil
}

func reportState(r *model.Report) string {
	switch {
	case r.Synced:
		return "synced"
	case r.Failed:
		return "failed"
	default:
		return "pending"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runStats(args []string) error {
	fs, c := newFlagSet("stats")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := setup(c, probeOnce)
	if err != nil {
		return err
	}
	defer e.closer()

	st, err := e.svc.Stats(e.ctx)
	if err != nil {
		return err
	}
	fmt.Println("hazardrelay stats")
	fmt.Println("─────────────────")
	fmt.Printf("  Reports:   %d total, %d synced, %d pending, %d failed\n",
		st.TotalReports, st.SyncedCount, st.UnsyncedCount-st.FailedCount, st.FailedCount)
	fmt.Printf("  Queue:     %d item(s)\n", st.PendingQueueItems)
	fmt.Printf("  Online:    %t\n", st.IsOnline)
	if snap := e.svc.EssentialData(); snap != nil {
		fmt.Printf("  Essential: fetched %s\n", snap.FetchedAt.Local().Format(time.DateTime))
	} else {
		fmt.Println("  Essential: never fetched")
	}
	dbPath := e.cfg.DBPath
	if dbPath == "" {
		dbPath, _ = state.DefaultDBPath()
	}
	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("  Database:  %s (%s)\n", dbPath, humanSize(info.Size()))
	}
	return nil
}

func runRefresh(args []string) error {
	fs, c := newFlagSet("refresh")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := setup(c, probeOnce)
	if err != nil {
		return err
	}
	defer e.closer()

	snap, err := e.svc.RefreshEssentialData(e.ctx)
	if err != nil {
		return fmt.Errorf("refreshing essential data: %w", err)
	}
	fmt.Printf("%d hazard types, %d severity levels, %d alert levels\n",
		len(snap.HazardTypes), len(snap.SeverityLevels), len(snap.AlertLevels))
	return nil
}

func runCleanup(args []string) error {
	fs, c := newFlagSet("cleanup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := setup(c, localOnly)
	if err != nil {
		return err
	}
	defer e.closer()

	if e.cfg.Retention.MaxAge <= 0 {
		fmt.Println("retention.max_age is not set, nothing to do")
		return nil
	}
	n, err := e.svc.Cleanup(e.ctx)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d synced report(s) older than %s\n", n, e.cfg.Retention.MaxAge)
	return nil
}

func runRetry(args []string) error {
	fs, c := newFlagSet("retry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: hazardrelay retry <report-id>")
	}
	e, err := setup(c, localOnly)
	if err != nil {
		return err
	}
	defer e.closer()

	if err := e.svc.RetryFailedReport(e.ctx, fs.Arg(0)); err != nil {
		return err
	}
	fmt.Println("requeued", fs.Arg(0))
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/hazardrelay/internal/config"
	"github.com/njoerd114/hazardrelay/internal/connectivity"
)

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: NewPrompter(r, w),
		logger: logger,
		w:      w,
	}
}

// Run walks the user through the API connection, sync settings, and the
// essential data backend, then writes the config to cfgPath. An unreachable
// API is reported but does not stop setup: the relay is meant to start
// offline.
func (wiz *Wizard) Run(ctx context.Context, cfgPath string) error {
	fmt.Fprintf(wiz.w, "\nWelcome to hazardrelay setup!\n")
	fmt.Fprintf(wiz.w, "This wizard writes %s.\n\n", cfgPath)

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	cfg := &config.Config{}

	// Step 1: API connection.
	fmt.Fprintf(wiz.w, "Step 1/4: API connection\n")
	apiURL, err := wiz.prompt.URL("API URL", "https://hazards.example.org")
	if err != nil {
		return fmt.Errorf("reading API URL: %w", err)
	}
	cfg.APIURL = apiURL
	if wiz.prompt.Confirm("Does the API require a token?", true) {
		cfg.APIToken = wiz.prompt.Secret("API token")
	}

	probeURL := cfg.APIURL + "/health"
	fmt.Fprintf(wiz.w, "  Checking %s...", probeURL)
	probe := connectivity.NewProbe(probeURL, time.Second, nil, wiz.logger)
	if probe.Check(ctx) {
		fmt.Fprintf(wiz.w, " reachable\n\n")
	} else {
		fmt.Fprintf(wiz.w, " unreachable\n")
		fmt.Fprintf(wiz.w, "  Reports will be queued locally until it is reachable.\n\n")
	}

	// Step 2: Sync interval.
	fmt.Fprintf(wiz.w, "Step 2/4: Sync interval\n")
	interval, err := wiz.prompt.Duration("How often to sync while online?", 30*time.Second, 5*time.Second, time.Hour)
	if err != nil {
		return fmt.Errorf("reading sync interval: %w", err)
	}
	cfg.SyncInterval = interval
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: Essential data backend.
	fmt.Fprintf(wiz.w, "Step 3/4: Essential data cache\n")
	idx, err := wiz.prompt.Select("Where should reference data be cached?", []string{
		"Local database (sqlite)",
		"Redis",
	})
	if err != nil {
		return fmt.Errorf("selecting backend: %w", err)
	}
	if idx == 1 {
		cfg.EssentialData.Backend = config.BackendRedis
		cfg.EssentialData.Redis.Addr = wiz.prompt.String("Redis address", "localhost:6379")
	}
	if wiz.prompt.Confirm("Serve the local status API?", false) {
		cfg.Status.ListenAddr = wiz.prompt.String("Listen address", "127.0.0.1:8089")
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: Write config.
	fmt.Fprintf(wiz.w, "Step 4/4: Save configuration\n")
	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  Config written to %s\n\n", cfgPath)
	fmt.Fprintf(wiz.w, "Start syncing with: hazardrelay daemon --config %s\n\n", cfgPath)
	return nil
}

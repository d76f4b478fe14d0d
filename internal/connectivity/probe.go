package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Probe is a Monitor that periodically sends a HEAD request to a URL. Any
// response with a status below 500 counts as reachable. It starts offline
// until the first successful check.
type Probe struct {
	tracker

	url      string
	interval time.Duration
	client   *http.Client
	log      *slog.Logger
}

// NewProbe creates a Probe. If client is nil a client with a 5s timeout is
// used.
func NewProbe(url string, interval time.Duration, client *http.Client, logger *slog.Logger) *Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Probe{url: url, interval: interval, client: client, log: logger}
}

// Check performs one probe, updates the state, and returns it.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	wasOnline := p.Online()
	if p.set(online) {
		p.log.Info("connectivity regained", "url", p.url)
	} else if wasOnline && !online {
		p.log.Warn("connectivity lost", "url", p.url)
	}
	return online
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.log.Error("building probe request", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("probe failed", "url", p.url, "error", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Run checks immediately and then every interval until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) error {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

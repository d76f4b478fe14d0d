package setup

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/njoerd114/hazardrelay/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPrompter_StringDefault(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("\ncustom\n"), &out)

	if got := p.String("Name", "fallback"); got != "fallback" {
		t.Errorf("first = %q, want fallback", got)
	}
	if got := p.String("Name", "fallback"); got != "custom" {
		t.Errorf("second = %q, want custom", got)
	}
	if !strings.Contains(out.String(), "Name [fallback]: ") {
		t.Errorf("prompt output = %q", out.String())
	}
}

func TestPrompter_StringRequiredRepeats(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("\n\nvalue\n"), &out)
	if got := p.String("Token", ""); got != "value" {
		t.Errorf("got %q, want value", got)
	}
	if n := strings.Count(out.String(), "required"); n != 2 {
		t.Errorf("required hint shown %d times, want 2", n)
	}
}

func TestPrompter_Confirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"\n", true, true},
		{"\n", false, false},
		{"y\n", false, true},
		{"YES\n", false, true},
		{"n\n", true, false},
		{"", true, true},
	}
	for _, tt := range tests {
		p := NewPrompter(strings.NewReader(tt.input), io.Discard)
		if got := p.Confirm("Continue?", tt.defaultYes); got != tt.want {
			t.Errorf("Confirm(%q, default %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}

func TestPrompter_Select(t *testing.T) {
	p := NewPrompter(strings.NewReader("0\nabc\n2\n"), io.Discard)
	idx, err := p.Select("Pick", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if idx != 1 {
		t.Errorf("idx = %d, want 1", idx)
	}

	if _, err := NewPrompter(strings.NewReader(""), io.Discard).Select("Pick", nil); err == nil {
		t.Error("Select with no options succeeded")
	}
	if _, err := NewPrompter(strings.NewReader(""), io.Discard).Select("Pick", []string{"a"}); err == nil {
		t.Error("Select at EOF succeeded")
	}
}

func TestPrompter_URLAndDuration(t *testing.T) {
	p := NewPrompter(strings.NewReader("ftp://x\nhttps://api.example.org/\n90\n90s\n"), io.Discard)

	u, err := p.URL("API URL", "")
	if err != nil || u != "https://api.example.org" {
		t.Errorf("URL = %q, %v; want trimmed https URL", u, err)
	}
	d, err := p.Duration("Interval", 30*time.Second, 5*time.Second, time.Hour)
	if err != nil || d != 90*time.Second {
		t.Errorf("Duration = %v, %v; want 90s", d, err)
	}

	// End of input falls back to a valid default.
	d, err = NewPrompter(strings.NewReader(""), io.Discard).Duration("Interval", time.Minute, time.Second, time.Hour)
	if err != nil || d != time.Minute {
		t.Errorf("Duration at EOF = %v, %v; want 1m", d, err)
	}
	if _, err := NewPrompter(strings.NewReader(""), io.Discard).URL("API URL", ""); err == nil {
		t.Error("URL at EOF without default succeeded")
	}
}

func TestWizard_WritesLoadableConfig(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	cfgPath := filepath.Join(t.TempDir(), "hazardrelay", "config.yaml")
	input := strings.Join([]string{
		api.URL + "/", // API URL, trailing slash trimmed
		"y",           // token required
		"tok-123",     // token
		"2m",          // sync interval
		"2",           // redis
		"",            // redis address default
		"y",           // status API
		"",            // listen address default
	}, "\n") + "\n"
	var out bytes.Buffer

	wiz := NewWizard(strings.NewReader(input), &out, testLogger())
	if err := wiz.Run(context.Background(), cfgPath); err != nil {
		t.Fatalf("Run: %v\noutput:\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), " reachable\n") {
		t.Errorf("output does not report reachability:\n%s", out.String())
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load written config: %v", err)
	}
	if cfg.APIURL != api.URL {
		t.Errorf("APIURL = %q, want %q", cfg.APIURL, api.URL)
	}
	if cfg.APIToken != "tok-123" {
		t.Errorf("APIToken = %q", cfg.APIToken)
	}
	if cfg.SyncInterval != 2*time.Minute {
		t.Errorf("SyncInterval = %v, want 2m", cfg.SyncInterval)
	}
	if cfg.EssentialData.Backend != config.BackendRedis || cfg.EssentialData.Redis.Addr != "localhost:6379" {
		t.Errorf("EssentialData = %+v", cfg.EssentialData)
	}
	if cfg.Status.ListenAddr != "127.0.0.1:8089" {
		t.Errorf("ListenAddr = %q", cfg.Status.ListenAddr)
	}
}

func TestWizard_UnreachableAPIStillWritesConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	input := strings.Join([]string{
		"not a url",
		"http://127.0.0.1:1",
		"n",  // no token
		"1s", // too short, asked again
		"",   // default 30s
		"1",  // sqlite
		"",   // no status API
	}, "\n") + "\n"
	var out bytes.Buffer

	if err := NewWizard(strings.NewReader(input), &out, testLogger()).Run(context.Background(), cfgPath); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "unreachable") {
		t.Errorf("output does not report the API as unreachable:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "must be an http or https URL") {
		t.Errorf("invalid URL was not rejected:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "enter a duration between 5s and 1h0m0s") {
		t.Errorf("short interval was not rejected:\n%s", out.String())
	}

	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	if strings.Contains(string(raw), "api_token") {
		t.Errorf("token written although none was given:\n%s", raw)
	}
	if !strings.Contains(string(raw), "sync_interval: 30s") {
		t.Errorf("sync_interval not defaulted:\n%s", raw)
	}
}

func TestWizard_KeepsExistingConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	original := []byte("api_url: https://keep.example.org\n")
	if err := os.WriteFile(cfgPath, original, 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if err := NewWizard(strings.NewReader("n\n"), io.Discard, testLogger()).Run(context.Background(), cfgPath); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := os.ReadFile(cfgPath)
	if !bytes.Equal(got, original) {
		t.Errorf("config changed:\n%s", got)
	}
}

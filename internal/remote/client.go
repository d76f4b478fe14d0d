// Package remote talks to the hazard reporting API: report submission,
// reference data reads, media upload, and profile updates. Every failure is
// classified as [model.ErrValidation] (the server rejected the payload),
// [model.ErrUnconfirmed] (accepted without an id) or [model.ErrNetwork]
// (anything that may succeed on a later attempt).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/njoerd114/hazardrelay/internal/model"
)

// Reference data endpoints, relative to the API base URL.
const (
	pathReports        = "/api/reports"
	pathMedia          = "/api/media"
	pathProfile        = "/api/profile"
	pathHazardTypes    = "/api/reference/hazard-types"
	pathSeverityLevels = "/api/reference/severity-levels"
	pathAlertLevels    = "/api/reference/alert-levels"
)

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 512

// Client is an HTTP client for the hazard reporting API. Create one with
// [NewClient].
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	log     *slog.Logger
}

// NewClient creates a Client. timeout bounds every request; there is no
// other mid-flight cancellation.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: timeout},
		log:     logger,
	}
}

// Submit posts a report payload and returns the server-assigned id. It is
// never retried in-process; the sync worker decides what happens next.
func (c *Client) Submit(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding report: %w: %w", model.ErrValidation, err)
	}

	var raw []byte
	if err := c.do(ctx, http.MethodPost, pathReports, body, &raw); err != nil {
		return "", fmt.Errorf("submitting report: %w", err)
	}

	id := submittedID(raw)
	if id == "" {
		snippet := truncate(strings.TrimSpace(string(raw)), maxErrorBody)
		c.log.Error("server accepted a report without returning its id, not resubmitting",
			"path", pathReports, "body", snippet)
		return "", fmt.Errorf("submitting report: %w: response carries no id: %s", model.ErrUnconfirmed, snippet)
	}
	return id, nil
}

// submittedID reads "id" or "data.id" from a submit response. Numeric ids
// are kept digit for digit.
func submittedID(raw []byte) string {
	var resp struct {
		ID   any `json:"id"`
		Data struct {
			ID any `json:"id"`
		} `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return ""
	}
	if id := formatID(resp.ID); id != "" {
		return id
	}
	return formatID(resp.Data.ID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// FetchHazardTypes returns the server's hazard type list.
func (c *Client) FetchHazardTypes(ctx context.Context) ([]json.RawMessage, error) {
	return c.fetchList(ctx, pathHazardTypes)
}

// FetchSeverityLevels returns the server's severity level list.
func (c *Client) FetchSeverityLevels(ctx context.Context) ([]json.RawMessage, error) {
	return c.fetchList(ctx, pathSeverityLevels)
}

// FetchAlertLevels returns the server's alert level list.
func (c *Client) FetchAlertLevels(ctx context.Context) ([]json.RawMessage, error) {
	return c.fetchList(ctx, pathAlertLevels)
}

// fetchList GETs a JSON array, retrying transient failures.
func (c *Client) fetchList(ctx context.Context, path string) ([]json.RawMessage, error) {
	var list []json.RawMessage
	err := Retry(ctx, defaultMaxAttempts, func() error {
		list = nil
		return c.do(ctx, http.MethodGet, path, nil, &list)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", path, err)
	}
	if list == nil {
		list = []json.RawMessage{}
	}
	return list, nil
}

// UploadMedia posts a queued media item.
func (c *Client) UploadMedia(ctx context.Context, data json.RawMessage) error {
	if err := c.do(ctx, http.MethodPost, pathMedia, data, nil); err != nil {
		return fmt.Errorf("uploading media: %w", err)
	}
	return nil
}

// UpdateProfile sends a queued profile update.
func (c *Client) UpdateProfile(ctx context.Context, data json.RawMessage) error {
	if err := c.do(ctx, http.MethodPut, pathProfile, data, nil); err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	return nil
}

// do sends one request and decodes a 2xx body into out (when non-nil). A
// *[]byte out receives the body undecoded.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classify(resp); err != nil {
		c.log.Debug("remote request failed", "method", method, "path", path, "status", resp.StatusCode)
		return err
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case *[]byte:
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading response: %w", model.ErrNetwork, err)
		}
		*dst = b
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %w", model.ErrNetwork, err)
	}
	return nil
}

// classify maps a response status to the error taxonomy. 400 and 422 mean
// the payload itself is wrong; everything else non-2xx may clear up later.
func classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := errorMessage(resp.Body)
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: server rejected payload (%d): %s", model.ErrValidation, resp.StatusCode, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: not authorized (%d), check api_token", model.ErrNetwork, resp.StatusCode)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", model.ErrNetwork, resp.StatusCode, msg)
	}
}

// errorMessage extracts "message" or "error" from a JSON error body, falling
// back to the raw (truncated) text.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

func formatID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	default:
		return ""
	}
}

// Package model defines the types shared by the local store, the sync worker,
// and the capture/inspection API.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Report is a single captured hazard observation awaiting (or having
// completed) delivery to the remote API.
type Report struct {
	// ID is generated locally at capture time and never changes.
	ID string

	// Payload is the report body as produced by the form layer. The engine
	// does not interpret it beyond extracting HazardType.
	Payload map[string]any

	// HazardType mirrors payload["hazardType"] so it can be indexed.
	HazardType string

	CreatedAt time.Time

	// Synced flips false → true exactly once, together with ServerID and
	// SyncedAt.
	Synced   bool
	ServerID string
	SyncedAt time.Time

	// Failed marks a dead-lettered report: it stays unsynced and is not
	// submitted again by the worker.
	Failed    bool
	FailedAt  time.Time
	LastError string
}

// payloadHazardKey is the payload field copied into Report.HazardType.
const payloadHazardKey = "hazardType"

// localOnlyKeys are payload fields that describe the local copy rather than
// the observation. They are removed before submission.
var localOnlyKeys = []string{
	"id",
	"localId",
	"synced",
	"serverId",
	"syncedAt",
	"offline",
	"isOffline",
	"offlineId",
}

// NewReport builds an unsynced Report for payload, stamped with now.
func NewReport(payload map[string]any, now time.Time) *Report {
	if payload == nil {
		payload = map[string]any{}
	}
	r := &Report{
		ID:        NewReportID(now),
		Payload:   payload,
		CreatedAt: now.UTC(),
	}
	if ht, ok := payload[payloadHazardKey].(string); ok {
		r.HazardType = ht
	}
	return r
}

// DecodePayload reads one JSON object from r. Numbers are kept as
// json.Number so integers above 2^53 reach the server unchanged.
func DecodePayload(r io.Reader) (map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("payload is null")
	}
	return payload, nil
}

// NewReportID returns "<unix millis>-<8 hex chars>". The random suffix keeps
// two captures in the same millisecond apart.
func NewReportID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}

// SubmissionPayload returns a copy of the payload with local-only fields
// stripped. The report's own Payload map is left untouched.
func (r *Report) SubmissionPayload() map[string]any {
	out := make(map[string]any, len(r.Payload))
	for k, v := range r.Payload {
		out[k] = v
	}
	for _, k := range localOnlyKeys {
		delete(out, k)
	}
	return out
}

// ReportFilter narrows ListReports. Zero-valued fields do not filter.
type ReportFilter struct {
	HazardType string
	Synced     *bool
	Failed     *bool

	// From is inclusive, To is exclusive. Both compare against CreatedAt.
	From time.Time
	To   time.Time
}

// Bool returns a pointer to b, for ReportFilter literals.
func Bool(b bool) *bool { return &b }

// ReportCounts aggregates report and queue totals for stats.
type ReportCounts struct {
	Total        int
	Synced       int
	Unsynced     int
	Failed       int
	PendingQueue int
}

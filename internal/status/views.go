package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/njoerd114/hazardrelay/internal/model"
)

type reportView struct {
	ID         string         `json:"id"`
	HazardType string         `json:"hazardType,omitempty"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"createdAt"`
	Synced     bool           `json:"synced"`
	ServerID   string         `json:"serverId,omitempty"`
	SyncedAt   *time.Time     `json:"syncedAt,omitempty"`
	Failed     bool           `json:"failed"`
	LastError  string         `json:"lastError,omitempty"`
}

func newReportView(r *model.Report) reportView {
	v := reportView{
		ID:         r.ID,
		HazardType: r.HazardType,
		Payload:    r.Payload,
		CreatedAt:  r.CreatedAt,
		Synced:     r.Synced,
		ServerID:   r.ServerID,
		Failed:     r.Failed,
		LastError:  r.LastError,
	}
	if !r.SyncedAt.IsZero() {
		t := r.SyncedAt
		v.SyncedAt = &t
	}
	return v
}

type queueItemView struct {
	ID          int64           `json:"id"`
	Action      model.Action    `json:"action"`
	Priority    model.Priority  `json:"priority"`
	ReportID    string          `json:"reportId,omitempty"`
	Data        json.RawMessage `json:"data"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastRetryAt *time.Time      `json:"lastRetryAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

func newQueueItemView(it *model.QueueItem) queueItemView {
	v := queueItemView{
		ID:         it.ID,
		Action:     it.Action,
		Priority:   it.Priority,
		ReportID:   it.ReportID,
		Data:       it.Data,
		RetryCount: it.RetryCount,
		MaxRetries: it.MaxRetries,
		CreatedAt:  it.CreatedAt,
		LastError:  it.LastError,
	}
	if !it.LastRetryAt.IsZero() {
		t := it.LastRetryAt
		v.LastRetryAt = &t
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

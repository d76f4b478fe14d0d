package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action tags a QueueItem with the kind of work it carries.
type Action string

const (
	ActionCreateReport  Action = "create_report"
	ActionUploadMedia   Action = "upload_media"
	ActionUpdateProfile Action = "update_profile"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreateReport, ActionUploadMedia, ActionUpdateProfile:
		return true
	default:
		return false
	}
}

// ParseAction converts a tag typed by an operator into an Action, rejecting
// unknown tags.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// Priority orders queue draining. High drains first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the sort position of p: 0 for high, 1 for medium, 2 for low.
// Unknown values sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() < 3 }

// ParsePriority converts "high", "medium" or "low" into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// DefaultMaxRetries is the retry budget given to new queue items.
const DefaultMaxRetries = 3

// QueueItem is a pending unit of synchronization work.
type QueueItem struct {
	ID       int64
	Action   Action
	Data     json.RawMessage
	Priority Priority

	// ReportID links a create_report item to its Report. Empty for other
	// actions.
	ReportID string

	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	LastRetryAt time.Time
	LastError   string
}

// CreateReportData is the Data body of a create_report item. It duplicates
// the payload so the item is self-describing in the queue table.
type CreateReportData struct {
	ReportID string         `json:"reportId"`
	Payload  map[string]any `json:"payload"`
}

// NewCreateReportItem builds the create_report queue item for r.
func NewCreateReportItem(r *Report, priority Priority, maxRetries int) (*QueueItem, error) {
	data, err := json.Marshal(CreateReportData{ReportID: r.ID, Payload: r.Payload})
	if err != nil {
		return nil, fmt.Errorf("encoding queue data for report %q: %w", r.ID, err)
	}
	return &QueueItem{
		Action:     ActionCreateReport,
		Data:       data,
		Priority:   priority,
		ReportID:   r.ID,
		MaxRetries: maxRetries,
	}, nil
}

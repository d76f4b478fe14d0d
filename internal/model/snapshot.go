package model

import (
	"encoding/json"
	"time"
)

// Snapshot is the cached set of reference lists used while offline. It is
// always replaced as a whole.
type Snapshot struct {
	HazardTypes    []json.RawMessage `json:"hazardTypes"`
	SeverityLevels []json.RawMessage `json:"severityLevels"`
	AlertLevels    []json.RawMessage `json:"alertLevels"`
	FetchedAt      time.Time         `json:"fetchedAt"`
}

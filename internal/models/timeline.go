package models

import "time"

// TimelinePoint represents a single compact bucket of the uptime timeline.
type TimelinePoint struct {
	ClassName     string           `json:"className"`
	Label         string           `json:"label"`
	Start         time.Time        `json:"start"`
	End           time.Time        `json:"end"`
	Samples       int              `json:"samples"`
	UptimePercent float64          `json:"uptime_percent"`
	Details       []TimelineDetail `json:"details,omitempty"`
}

// TimelineDetail carries extra information for problematic buckets.
type TimelineDetail struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

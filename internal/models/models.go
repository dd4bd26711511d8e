package models

import (
	"encoding/json"
	"time"
)

// Verdict is one liveness sample of the monitored log file.
// ResponseTime is set only when Status is true, ErrorMessage only when it is false.
type Verdict struct {
	Timestamp    time.Time
	Status       bool
	ResponseTime *time.Duration
	ErrorMessage *string
}

// Up builds a passing verdict.
func Up(ts time.Time, latency time.Duration) Verdict {
	return Verdict{Timestamp: ts.UTC().Round(0), Status: true, ResponseTime: &latency}
}

// Down builds a failing verdict.
func Down(ts time.Time, message string) Verdict {
	return Verdict{Timestamp: ts.UTC().Round(0), Status: false, ErrorMessage: &message}
}

// Error returns the error text or an empty string.
func (v Verdict) Error() string {
	if v.ErrorMessage == nil {
		return ""
	}
	return *v.ErrorMessage
}

type verdictJSON struct {
	Timestamp    time.Time `json:"timestamp"`
	Status       bool      `json:"status"`
	ResponseTime *float64  `json:"response_time,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
}

// MarshalJSON encodes the response time in seconds.
func (v Verdict) MarshalJSON() ([]byte, error) {
	out := verdictJSON{
		Timestamp:    v.Timestamp.UTC(),
		Status:       v.Status,
		ErrorMessage: v.ErrorMessage,
	}
	if v.ResponseTime != nil {
		secs := v.ResponseTime.Seconds()
		out.ResponseTime = &secs
	}
	return json.Marshal(out)
}

// MetricsSnapshot is derived from the verdict history on every tick and never stored.
type MetricsSnapshot struct {
	Status              bool    `json:"status"`
	Uptime24h           float64 `json:"uptime_24h"`
	Uptime7d            float64 `json:"uptime_7d"`
	Uptime30d           float64 `json:"uptime_30d"`
	LastUpdated         string  `json:"last_updated"`
	CheckType           string  `json:"check_type"`
	LastError           string  `json:"last_error,omitempty"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Samples24h          int     `json:"samples_24h"`
	Samples7d           int     `json:"samples_7d"`
	Samples30d          int     `json:"samples_30d"`
}

// LogEntry is one line of the monitored log.
type LogEntry struct {
	Message   string  `json:"message"`
	Timestamp *string `json:"timestamp,omitempty"`
}

// Update is the payload pushed to live observers after every tick.
type Update struct {
	Status MetricsSnapshot `json:"status"`
	Logs   []LogEntry      `json:"logs"`
}

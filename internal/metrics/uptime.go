package metrics

import (
	"time"

	"livewatch/internal/models"
)

// Rolling windows reported in every snapshot.
const (
	Window24h = 24 * time.Hour
	Window7d  = 7 * 24 * time.Hour
	Window30d = 30 * 24 * time.Hour
)

// CheckType identifies the liveness signal in snapshots.
const CheckType = "log"

// WindowUptime summarises one rolling window.
type WindowUptime struct {
	Percent float64
	Total   int
	Passing int
}

// Uptime computes the ratio of passing verdicts with timestamp > now-window.
// An empty window reports 100%.
func Uptime(verdicts []models.Verdict, window time.Duration, now time.Time) WindowUptime {
	cutoff := now.Add(-window)
	var res WindowUptime
	for _, v := range verdicts {
		if !v.Timestamp.After(cutoff) {
			continue
		}
		res.Total++
		if v.Status {
			res.Passing++
		}
	}
	if res.Total == 0 {
		res.Percent = 100
		return res
	}
	res.Percent = 100 * float64(res.Passing) / float64(res.Total)
	return res
}

// Compute derives the metrics snapshot from the history at now.
func Compute(history []models.Verdict, now time.Time) models.MetricsSnapshot {
	day := Uptime(history, Window24h, now)
	week := Uptime(history, Window7d, now)
	month := Uptime(history, Window30d, now)

	snap := models.MetricsSnapshot{
		Status:      true,
		Uptime24h:   day.Percent,
		Uptime7d:    week.Percent,
		Uptime30d:   month.Percent,
		LastUpdated: now.UTC().Format(time.RFC3339Nano),
		CheckType:   CheckType,
		Samples24h:  day.Total,
		Samples7d:   week.Total,
		Samples30d:  month.Total,
	}

	if i := latestAt(history, now); i >= 0 {
		latest := history[i]
		snap.Status = latest.Status
		if !latest.Status {
			snap.LastError = latest.Error()
		}
	}
	snap.ConsecutiveFailures = ConsecutiveFailures(history, now)
	return snap
}

// ConsecutiveFailures counts the run of failing verdicts ending at the
// latest verdict not after now.
func ConsecutiveFailures(history []models.Verdict, now time.Time) int {
	n := 0
	for i := latestAt(history, now); i >= 0; i-- {
		if history[i].Status {
			break
		}
		n++
	}
	return n
}

// latestAt returns the index of the verdict with the greatest timestamp not
// after now, or -1. History is append-ordered, so the scan runs backwards.
func latestAt(history []models.Verdict, now time.Time) int {
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].Timestamp.After(now) {
			return i
		}
	}
	return -1
}

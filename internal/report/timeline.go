// Package report turns the verdict history into timelines and charts.
package report

import (
	"sort"
	"time"

	"livewatch/internal/models"
)

const (
	// DefaultTimelinePoints controls how many buckets a timeline has.
	DefaultTimelinePoints = 48
	maxDetailsPerPoint    = 4
)

const (
	ClassSuccess = "state-success"
	ClassWarning = "state-warning"
	ClassError   = "state-error"
	ClassMissing = "state-missing"
)

// BuildTimeline reduces verdicts into points evenly spaced buckets covering
// [start, end]. The last bucket also includes verdicts stamped exactly at end.
func BuildTimeline(verdicts []models.Verdict, start, end time.Time, points int) []models.TimelinePoint {
	if points <= 0 {
		points = DefaultTimelinePoints
	}
	if !end.After(start) {
		end = start.Add(time.Minute)
	}

	samples := make([]models.Verdict, len(verdicts))
	copy(samples, verdicts)
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})

	bucketDuration := end.Sub(start) / time.Duration(points)
	if bucketDuration <= 0 {
		bucketDuration = time.Minute
	}

	output := make([]models.TimelinePoint, 0, points)
	cursor := 0
	for cursor < len(samples) && samples[cursor].Timestamp.Before(start) {
		cursor++
	}
	for i := 0; i < points; i++ {
		bucketStart := start.Add(time.Duration(i) * bucketDuration)
		bucketEnd := bucketStart.Add(bucketDuration)
		last := i == points-1
		if last {
			bucketEnd = end
		}

		j := cursor
		for j < len(samples) && (samples[j].Timestamp.Before(bucketEnd) || (last && samples[j].Timestamp.Equal(bucketEnd))) {
			j++
		}
		point := evaluateBucket(samples[cursor:j])
		point.Start = bucketStart
		point.End = bucketEnd
		output = append(output, point)
		cursor = j
	}
	return output
}

func evaluateBucket(entries []models.Verdict) models.TimelinePoint {
	if len(entries) == 0 {
		return models.TimelinePoint{ClassName: ClassMissing, Label: "No data"}
	}

	passing := 0
	var details []models.TimelineDetail
	for _, v := range entries {
		if v.Status {
			passing++
			continue
		}
		if len(details) < maxDetailsPerPoint {
			details = append(details, models.TimelineDetail{
				Timestamp: v.Timestamp,
				Error:     v.Error(),
			})
		}
	}

	point := models.TimelinePoint{
		Samples:       len(entries),
		UptimePercent: 100 * float64(passing) / float64(len(entries)),
		Details:       details,
	}
	switch {
	case passing == len(entries):
		point.ClassName, point.Label = ClassSuccess, "Operational"
	case passing == 0:
		point.ClassName, point.Label = ClassError, "Unavailable"
	default:
		point.ClassName, point.Label = ClassWarning, "Degraded"
	}
	return point
}

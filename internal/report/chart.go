package report

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"livewatch/internal/models"
)

// ErrNotEnoughData is returned when fewer than two buckets carry samples.
var ErrNotEnoughData = errors.New("not enough data to render chart")

// RenderUptimeChart writes a PNG line chart of per-bucket uptime over
// [start, end]. Empty buckets are skipped.
func RenderUptimeChart(w io.Writer, verdicts []models.Verdict, start, end time.Time, points int) error {
	timeline := BuildTimeline(verdicts, start, end, points)

	var (
		xs []time.Time
		ys []float64
	)
	for _, p := range timeline {
		if p.Samples == 0 {
			continue
		}
		xs = append(xs, p.Start.Add(p.End.Sub(p.Start)/2))
		ys = append(ys, p.UptimePercent)
	}
	if len(xs) < 2 {
		return ErrNotEnoughData
	}

	formatter := chart.TimeMinuteValueFormatter
	if end.Sub(start) > 48*time.Hour {
		formatter = chart.TimeDateValueFormatter
	} else if end.Sub(start) > 6*time.Hour {
		formatter = chart.TimeHourValueFormatter
	}

	graph := chart.Chart{
		Title: fmt.Sprintf("Uptime (%s)", end.Sub(start).Round(time.Hour)),
		TitleStyle: chart.Style{
			FontSize: 16,
		},
		Background: chart.Style{
			Padding: chart.Box{
				Top:    20,
				Left:   20,
				Right:  20,
				Bottom: 20,
			},
		},
		Width:  1200,
		Height: 400,
		XAxis: chart.XAxis{
			Name: "Time",
			Style: chart.Style{
				StrokeColor: drawing.ColorBlack,
				FontSize:    10,
			},
			ValueFormatter: formatter,
		},
		YAxis: chart.YAxis{
			Name: "Uptime %",
			Style: chart.Style{
				StrokeColor: drawing.ColorBlack,
				FontSize:    10,
			},
			Range: &chart.ContinuousRange{
				Min: 0,
				Max: 100,
			},
			GridMajorStyle: chart.Style{
				StrokeColor: drawing.Color{R: 200, G: 200, B: 200, A: 255},
				StrokeWidth: 1.0,
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name: "uptime",
				Style: chart.Style{
					StrokeColor: chart.GetDefaultColor(0),
					StrokeWidth: 2,
				},
				XValues: xs,
				YValues: ys,
			},
		},
	}

	if err := graph.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("render uptime chart: %w", err)
	}
	return nil
}

// Package aggregate reduces one drained batch plus its tracker output
// to the single summary record emitted per stream per window.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/streamgazer/detection.report/internal/vi"
	"github.com/streamgazer/detection.report/internal/vi/track"
)

// ClassStat holds the per-class confidence statistics derived from the
// raw detections (not the compressed tracks) of one batch.
type ClassStat struct {
	Name          string  `json:"name"`
	Count         int     `json:"count"`
	MinConfidence float64 `json:"min_confidence"`
	MaxConfidence float64 `json:"max_confidence"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Summary is the compact statistical record emitted for one stream's
// accumulation window. One summary replaces what would otherwise be a
// notification per detection.
type Summary struct {
	// SummaryID is globally unique so archived summaries never collide
	// across server restarts.
	SummaryID   string    `json:"summary_id"`
	App         string    `json:"app"`
	Stream      string    `json:"stream"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	// DurationSecs is last_seen − first_seen for the batch.
	DurationSecs    float64 `json:"duration_secs"`
	TotalDetections int     `json:"total_detections"`

	// Tracker-derived fields.
	UniqueCount     int     `json:"unique_count"`
	FramesProcessed int     `json:"frames_processed"`
	PeakOccupancy   int     `json:"peak_occupancy"`
	AvgOccupancy    float64 `json:"avg_occupancy"`

	// DetectionRate is detections per second, 0 when the window has no
	// measurable duration.
	DetectionRate float64 `json:"detection_rate"`

	// Classes is ordered by descending detection count; ties keep the
	// order classes were first seen in the batch.
	Classes []ClassStat `json:"classes"`
}

// Summarize builds the summary for one drained stream batch.
func Summarize(key vi.StreamKey, b *vi.Batch, ts track.Stats) *Summary {
	s := &Summary{
		SummaryID:       fmt.Sprintf("sum_%s", uuid.NewString()),
		App:             key.App,
		Stream:          key.Stream,
		WindowStart:     b.FirstSeen,
		WindowEnd:       b.LastSeen,
		DurationSecs:    b.Duration(),
		TotalDetections: len(b.Detections),
		UniqueCount:     ts.UniqueCount,
		FramesProcessed: ts.FramesProcessed,
		PeakOccupancy:   ts.PeakOccupancy,
		AvgOccupancy:    ts.AvgOccupancy,
		Classes:         classStats(b.Detections),
	}
	if s.DurationSecs > 0 {
		s.DetectionRate = float64(s.TotalDetections) / s.DurationSecs
	}
	return s
}

// classStats accumulates per-class counts and confidence ranges in one
// pass over the raw detections.
func classStats(dets []vi.Detection) []ClassStat {
	type acc struct {
		order       int
		count       int
		confidences []float64
		min, max    float64
	}
	byClass := make(map[string]*acc)
	for _, d := range dets {
		a, ok := byClass[d.ClassName]
		if !ok {
			a = &acc{order: len(byClass), min: d.Confidence, max: d.Confidence}
			byClass[d.ClassName] = a
		}
		a.count++
		a.confidences = append(a.confidences, d.Confidence)
		if d.Confidence < a.min {
			a.min = d.Confidence
		}
		if d.Confidence > a.max {
			a.max = d.Confidence
		}
	}
	if len(byClass) == 0 {
		return nil
	}

	stats := make([]ClassStat, 0, len(byClass))
	orders := make(map[string]int, len(byClass))
	for name, a := range byClass {
		orders[name] = a.order
		stats = append(stats, ClassStat{
			Name:          name,
			Count:         a.count,
			MinConfidence: a.min,
			MaxConfidence: a.max,
			AvgConfidence: stat.Mean(a.confidences, nil),
		})
	}
	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return orders[stats[i].Name] < orders[stats[j].Name]
	})
	return stats
}

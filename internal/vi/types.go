package vi

import (
	"fmt"
	"time"
)

// BoundingBox is an axis-aligned rectangle in pixel coordinates.
// (X, Y) is the top-left corner; W and H are width and height.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Valid reports whether the box has positive area.
func (b BoundingBox) Valid() bool {
	return b.W > 0 && b.H > 0
}

// Area returns the box area, or 0 for degenerate boxes.
func (b BoundingBox) Area() float64 {
	if !b.Valid() {
		return 0
	}
	return b.W * b.H
}

// Detection is a single object detection from one analysed video frame.
// Detections are immutable once appended to a batch.
type Detection struct {
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	FrameID    int64       `json:"frame_id"`
	BBox       BoundingBox `json:"bbox"`
}

// StreamKey identifies one logical video stream's accumulation bucket.
// The same (app, stream) pair always maps to the same bucket.
type StreamKey struct {
	App    string
	Stream string
}

// String renders the key in the wire format used by the upstream
// video server: "app|stream".
func (k StreamKey) String() string {
	return fmt.Sprintf("%s|%s", k.App, k.Stream)
}

// Batch is the per-stream accumulation state between flushes.
// FirstSeen is set when the batch is created; LastSeen is updated on
// every append. A batch exists in the store if and only if it holds at
// least one detection.
type Batch struct {
	Detections []Detection
	FirstSeen  time.Time
	LastSeen   time.Time
}

// Append adds detections to the batch in arrival order and advances
// the batch timestamps.
func (b *Batch) Append(dets []Detection, now time.Time) {
	if b.FirstSeen.IsZero() {
		b.FirstSeen = now
	}
	b.LastSeen = now
	b.Detections = append(b.Detections, dets...)
}

// Duration returns the wall-clock span covered by the batch in seconds.
func (b *Batch) Duration() float64 {
	if b.LastSeen.Before(b.FirstSeen) {
		return 0
	}
	return b.LastSeen.Sub(b.FirstSeen).Seconds()
}

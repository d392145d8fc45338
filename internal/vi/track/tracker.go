package track

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/streamgazer/detection.report/internal/vi"
)

// Config holds the tuning parameters for greedy IoU tracking.
type Config struct {
	// IoUThreshold is the minimum overlap for a detection/track pair
	// to be considered the same physical object.
	IoUThreshold float64
	// ExpiryFrames is the frame gap after which an unmatched track is
	// dropped from the active set. Expired tracks stay counted in the
	// unique total — expiry only stops further matching.
	ExpiryFrames int64
}

// DefaultConfig returns the tracker defaults used when the tuning file
// does not override them.
func DefaultConfig() Config {
	return Config{
		IoUThreshold: 0.3,
		ExpiryFrames: 30,
	}
}

// Track is a persistent identity for one physical object inferred by
// linking detections across frames via spatial continuity. Tracks are
// ephemeral: they live for one batch run only.
type Track struct {
	ID        int64
	BBox      vi.BoundingBox
	LastFrame int64
	Class     string
}

// Stats is the tracker output for one batch.
type Stats struct {
	// UniqueCount is the number of distinct tracks created over the
	// whole batch, including tracks that later expired.
	UniqueCount int `json:"unique_count"`
	// FramesProcessed is the number of distinct frame ids seen.
	FramesProcessed int `json:"frames_processed"`
	// PeakOccupancy is the maximum detections in any single frame.
	PeakOccupancy int `json:"peak_occupancy"`
	// AvgOccupancy is the mean detections per frame.
	AvgOccupancy float64 `json:"avg_occupancy"`
}

// Tracker runs greedy IoU association over the frames of one batch.
// A Tracker is single-use: create one per batch run. It is not safe
// for concurrent use; the flush pipeline runs exactly one per stream.
type Tracker struct {
	cfg     Config
	active  []*Track
	nextID  int64
	created int
}

// New creates a tracker with the given configuration. Zero-valued
// fields fall back to DefaultConfig.
func New(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.IoUThreshold == 0 {
		cfg.IoUThreshold = def.IoUThreshold
	}
	if cfg.ExpiryFrames == 0 {
		cfg.ExpiryFrames = def.ExpiryFrames
	}
	return &Tracker{cfg: cfg, nextID: 1}
}

// candidate is one detection/track pair above the IoU threshold.
type candidate struct {
	detIdx   int
	trackIdx int
	iou      float64
}

// Process consumes every detection of one batch and returns the
// summary statistics. Detections are grouped by frame id and processed
// in ascending frame order regardless of arrival order. Detections
// with an unusable frame id or degenerate bounding box are skipped
// silently — they never abort the rest of the batch.
func (t *Tracker) Process(dets []vi.Detection) Stats {
	byFrame := make(map[int64][]vi.Detection)
	for _, d := range dets {
		if d.FrameID < 0 || !d.BBox.Valid() {
			continue
		}
		byFrame[d.FrameID] = append(byFrame[d.FrameID], d)
	}
	if len(byFrame) == 0 {
		return Stats{}
	}

	frames := make([]int64, 0, len(byFrame))
	for id := range byFrame {
		frames = append(frames, id)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })

	occupancy := make([]float64, 0, len(frames))
	peak := 0

	for _, frameID := range frames {
		frameDets := byFrame[frameID]
		t.expire(frameID)
		t.associate(frameID, frameDets)

		if n := len(frameDets); n > peak {
			peak = n
		}
		occupancy = append(occupancy, float64(len(frameDets)))
	}

	return Stats{
		UniqueCount:     t.created,
		FramesProcessed: len(frames),
		PeakOccupancy:   peak,
		AvgOccupancy:    stat.Mean(occupancy, nil),
	}
}

// expire drops tracks whose last observation is more than ExpiryFrames
// behind the current frame. The active slice keeps creation order so
// candidate tie-breaking stays deterministic.
func (t *Tracker) expire(frameID int64) {
	kept := t.active[:0]
	for _, trk := range t.active {
		if frameID-trk.LastFrame > t.cfg.ExpiryFrames {
			continue
		}
		kept = append(kept, trk)
	}
	t.active = kept
}

// associate matches one frame's detections against the active track
// set and spawns new tracks for whatever is left unmatched.
func (t *Tracker) associate(frameID int64, dets []vi.Detection) {
	var candidates []candidate
	for di, d := range dets {
		for ti, trk := range t.active {
			if trk.Class != d.ClassName {
				continue
			}
			if iou := vi.IoU(d.BBox, trk.BBox); iou >= t.cfg.IoUThreshold {
				candidates = append(candidates, candidate{detIdx: di, trackIdx: ti, iou: iou})
			}
		}
	}

	// Highest IoU wins; equal IoU resolves by detection index then
	// track creation order so repeated runs produce identical output.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.iou != b.iou {
			return a.iou > b.iou
		}
		if a.detIdx != b.detIdx {
			return a.detIdx < b.detIdx
		}
		return a.trackIdx < b.trackIdx
	})

	matchedDet := make(map[int]bool, len(dets))
	matchedTrack := make(map[int]bool, len(t.active))
	for _, c := range candidates {
		if matchedDet[c.detIdx] || matchedTrack[c.trackIdx] {
			continue
		}
		matchedDet[c.detIdx] = true
		matchedTrack[c.trackIdx] = true

		trk := t.active[c.trackIdx]
		trk.BBox = dets[c.detIdx].BBox
		trk.LastFrame = frameID
	}

	for di, d := range dets {
		if matchedDet[di] {
			continue
		}
		t.initTrack(d, frameID)
	}
}

// initTrack creates a new track from an unmatched detection. IDs are
// monotonically increasing within one batch run.
func (t *Tracker) initTrack(d vi.Detection, frameID int64) *Track {
	trk := &Track{
		ID:        t.nextID,
		BBox:      d.BBox,
		LastFrame: frameID,
		Class:     d.ClassName,
	}
	t.nextID++
	t.created++
	t.active = append(t.active, trk)
	return trk
}

// ActiveCount returns the size of the active (non-expired) track set.
func (t *Tracker) ActiveCount() int {
	return len(t.active)
}

package vi

// IoU computes the Intersection-over-Union similarity of two bounding
// boxes. The result is in [0, 1]: 1.0 for identical valid boxes, 0.0
// for disjoint boxes. Degenerate geometry (non-positive width or
// height) degrades to 0.0 rather than failing so that one malformed
// detection can never abort batch processing.
func IoU(a, b BoundingBox) float64 {
	if !a.Valid() || !b.Valid() {
		return 0
	}

	// Intersection rectangle.
	ix := max(a.X, b.X)
	iy := max(a.Y, b.Y)
	ix2 := min(a.X+a.W, b.X+b.W)
	iy2 := min(a.Y+a.H, b.Y+b.H)

	iw := ix2 - ix
	ih := iy2 - iy
	if iw <= 0 || ih <= 0 {
		return 0
	}

	intersection := iw * ih
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

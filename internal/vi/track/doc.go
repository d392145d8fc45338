// Package track collapses the per-frame detections of one accumulated
// batch into a smaller set of persistent object tracks.
//
// Association is greedy IoU matching: candidate detection/track pairs
// of the same class are sorted by IoU descending and assigned
// first-come-first-served. This is deliberately not globally optimal
// assignment — it is deterministic, cheap (worst case quadratic in the
// detections of a single frame), and good enough to deduplicate
// objects for window summaries.
package track

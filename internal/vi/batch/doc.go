// Package batch accumulates detections per stream over a bounded time
// window and flushes each accumulated batch as one summary.
//
// The Batcher owns all mutable shared state (the batch map and the
// single pending window timer) behind one mutex. A second mutex
// serialises flush cycles so the window timer, the size-limit early
// flush, and the shutdown flush can race without ever splitting a
// batch across two summaries or emitting a summary twice.
package batch

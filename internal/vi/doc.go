// Package vi holds the core domain types for video-intelligence
// detection aggregation: detections, bounding boxes, stream identity,
// and per-stream accumulation batches.
//
// Processing is layered the same way as the rest of the repo: raw
// webhook payloads are normalised into vi types at the API boundary,
// accumulated in vi/batch, compressed into object tracks by vi/track,
// and reduced to one summary per stream per window by vi/aggregate.
package vi

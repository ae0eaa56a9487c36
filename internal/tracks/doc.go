// Package tracks owns the Track Store: per-frame association of detections
// to persistent track identities.
//
// Responsibilities: constant-velocity prediction, optimal (Hungarian)
// association on IoU with a weak center-distance fallback, box smoothing,
// wall-clock occlusion grace, lost/destroyed lifecycle, and re-identification
// merge of a lost track into a newly appearing one.
//
// Dependency rule: tracks depends on geom and config only. It knows nothing
// about zones, sessions, or decisions; callers key their own state by the
// stable int64 track id.
package tracks

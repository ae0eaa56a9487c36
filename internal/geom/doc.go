// Package geom holds the normalized-coordinate geometry used by the gate
// pipeline: boxes, polygons, overlap and distance measures, and the box
// smoothing filter.
//
// All coordinates are normalized to the frame, with x to the right and y down,
// both in [0, 1]. Nothing here keeps state between calls.
package geom

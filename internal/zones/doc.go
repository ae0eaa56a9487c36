// Package zones is the Zone & Proximity Evaluator.
//
// Membership is tested on the bottom-center anchor of a track's smoothed
// box. Dwell accumulates only between two consecutive observed frames that
// are both inside, and never decreases: leaving a zone freezes the
// accumulator. Visitor-guard contact is a raw distance/IoU test folded
// through a per-pair debounce. Guard qualification compares the guard's
// dwell fraction against the gate's configured mode.
package zones

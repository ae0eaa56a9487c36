// Package pipeline composes the gate-check stages into one frame step per
// gate.
//
// A Pipeline owns every piece of per-gate state: the Track Store, the entity
// table, the zone, pose and event stages, and the decision engine. Process
// runs them in order under one lock and then publishes an immutable Snapshot,
// so readers see either the state before a frame or after it. Audit output is
// handed to a Submitter after the frame's decisions are final and never
// blocks the step.
//
// Manager holds one Pipeline per configured gate. Pipelines share nothing.
package pipeline

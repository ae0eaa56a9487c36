// Package state holds the per-track role state shared by the zone,
// event, and decision stages.
//
// Each track id maps to one Entity in a Table arena. An Entity carries
// either a PersonState (visitor) or a GuardState (guard), fixed by its role
// when the entity is created. Stages receive the Table by reference for the
// duration of one frame; nothing keeps pointers into it across frames.
//
// The hysteresis Counter and contact Debounce are small value types with
// pure Step functions so they can be tested on their own.
package state

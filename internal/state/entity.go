package state

import (
	"math"
	"time"

	"github.com/banshee-data/gatecheck/internal/tracks"
)

// Phase is a visitor's position in the gate-check state machine.
type Phase string

const (
	PhaseIdle              Phase = "IDLE"
	PhasePresentInGA       Phase = "PRESENT_IN_GA"
	PhaseGuardPresent      Phase = "GUARD_PRESENT"
	PhaseInteractionWindow Phase = "INTERACTION_WINDOW"
	PhaseCheckCompleted    Phase = "CHECK_COMPLETED"
)

// Order returns the position of p in the forward sequence, or -1.
func (p Phase) Order() int {
	switch p {
	case PhaseIdle:
		return 0
	case PhasePresentInGA:
		return 1
	case PhaseGuardPresent:
		return 2
	case PhaseInteractionWindow:
		return 3
	case PhaseCheckCompleted:
		return 4
	}
	return -1
}

// Presence is the zone bookkeeping both roles carry.
type Presence struct {
	InGA        bool          `json:"in_ga"`
	InAnchor    bool          `json:"in_anchor"`
	DwellGA     time.Duration `json:"dwell_ga"`
	DwellAnchor time.Duration `json:"dwell_anchor"`
	// Observed is true when the track was matched on the last evaluated
	// frame. Dwell only accumulates between two observed frames.
	Observed bool `json:"observed"`
}

// PersonState is the visitor half of an Entity.
type PersonState struct {
	Presence

	Phase        Phase     `json:"phase"`
	PhaseSince   time.Time `json:"phase_since"`
	PresentSince time.Time `json:"present_since"` // entry into PRESENT_IN_GA
	// Armed is false after a completed or timed-out attempt until the
	// visitor has left the gate area.
	Armed bool `json:"armed"`

	GuardOverlap   time.Duration `json:"guard_overlap"`
	Interaction    time.Duration `json:"interaction"`
	MinCenterDist  float64       `json:"-"` // +Inf until a pair is measured
	MaxIoU         float64       `json:"max_iou"`
	PoseReachCount int           `json:"pose_reach_count"`
	MaxPoseConf    float64       `json:"max_pose_conf"`

	InGAHyst    Counter `json:"in_ga_hyst"`
	ContactHyst Counter `json:"contact_hyst"`

	// InteractionPrev is whether the previous frame had an active
	// interaction with an observed visitor, so time is only added between
	// two such frames.
	InteractionPrev bool `json:"-"`
	// ContactPrev is the same for raw contact and guard overlap time.
	ContactPrev bool `json:"-"`
	// UninterruptedSince restarts when the visitor track is lost.
	UninterruptedSince time.Time `json:"uninterrupted_since"`
}

// NewPersonState returns a visitor state in IDLE.
func NewPersonState(now time.Time) *PersonState {
	return &PersonState{
		Phase:              PhaseIdle,
		PhaseSince:         now,
		Armed:              true,
		MinCenterDist:      math.Inf(1),
		UninterruptedSince: now,
	}
}

// ResetAttempt starts a fresh state machine instance for the same visitor.
// Per-attempt interaction measures and hysteresis are cleared; gate-area
// dwell is kept.
func (p *PersonState) ResetAttempt(now time.Time) {
	p.Phase = PhaseIdle
	p.PhaseSince = now
	p.PresentSince = time.Time{}
	p.GuardOverlap = 0
	p.Interaction = 0
	p.MinCenterDist = math.Inf(1)
	p.MaxIoU = 0
	p.PoseReachCount = 0
	p.MaxPoseConf = 0
	p.InGAHyst = Counter{}
	p.ContactHyst = Counter{}
	p.InteractionPrev = false
	p.ContactPrev = false
	p.UninterruptedSince = now
}

// GuardState is the guard half of an Entity.
type GuardState struct {
	Presence

	// Since is when this state was created; qualification fractions are
	// measured from it.
	Since     time.Time `json:"since"`
	Qualified bool      `json:"qualified"`
}

// Entity is one track's role state. Exactly one of Person and Guard may be
// non-nil, matching Role; both are nil until the track is first seen in a
// zone.
type Entity struct {
	TrackID   int64           `json:"track_id"`
	Role      tracks.Role     `json:"role"`
	FirstSeen time.Time       `json:"first_seen"`
	Person    *PersonState    `json:"person,omitempty"`
	Guard     *GuardState     `json:"guard,omitempty"`
	Track     tracks.Snapshot `json:"-"`
}

// HasRoleState reports whether the role half has been created.
func (e *Entity) HasRoleState() bool {
	return e.Person != nil || e.Guard != nil
}

// EnsureRoleState creates the role half if it does not exist yet.
func (e *Entity) EnsureRoleState(now time.Time) {
	if e.HasRoleState() {
		return
	}
	switch e.Role {
	case tracks.RoleGuard:
		e.Guard = &GuardState{Since: now}
	default:
		e.Person = NewPersonState(now)
	}
}

// Presence returns the zone bookkeeping of whichever role half exists.
func (e *Entity) Presence() *Presence {
	switch {
	case e.Person != nil:
		return &e.Person.Presence
	case e.Guard != nil:
		return &e.Guard.Presence
	}
	return nil
}

// clone returns a deep copy.
func (e *Entity) clone() *Entity {
	cp := *e
	if e.Person != nil {
		p := *e.Person
		cp.Person = &p
	}
	if e.Guard != nil {
		g := *e.Guard
		cp.Guard = &g
	}
	return &cp
}

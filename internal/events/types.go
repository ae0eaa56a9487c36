// Package events turns perception state changes into an ordered log of
// micro-events and owns the check-session lifecycle.
//
// Emission is transition driven: an event marks a boundary crossing and
// steady state emits nothing. The session table is indexed by
// (visitor, guard) and by visitor so that a visitor holds at most one active
// session at a time.
package events

import (
	"time"

	"github.com/banshee-data/gatecheck/internal/state"
)

// Type names a micro-event.
type Type string

const (
	TrackCreated    Type = "TRACK_CREATED"
	TrackLost       Type = "TRACK_LOST"
	TrackReacquired Type = "TRACK_REACQUIRED"
	TrackMerged     Type = "TRACK_MERGED"
	TrackDestroyed  Type = "TRACK_DESTROYED"

	PersonEnteredGA Type = "P_ENTERED_GA"
	PersonLeftGA    Type = "P_LEFT_GA"

	GuardEnteredAnchor Type = "G_ENTERED_ANCHOR"
	GuardLeftAnchor    Type = "G_LEFT_ANCHOR"
	GuardEnteredGA     Type = "G_ENTERED_GA"
	GuardLeftGA        Type = "G_LEFT_GA"
	GuardQualified     Type = "G_QUALIFIED"
	GuardDisqualified  Type = "G_DISQUALIFIED"

	ContactStarted Type = "CONTACT_STARTED"
	ContactEnded   Type = "CONTACT_ENDED"

	PoseHandToTorso Type = "POSE_HAND_TO_TORSO"
	PoseReach       Type = "POSE_REACH"

	FSMTransition Type = "FSM_TRANSITION"

	SessionOpened    Type = "SESSION_OPENED"
	SessionCompleted Type = "SESSION_COMPLETED"
	SessionTimedOut  Type = "SESSION_TIMED_OUT"
	SessionAbandoned Type = "SESSION_ABANDONED"
	SessionCancelled Type = "SESSION_CANCELLED"
)

// MicroEvent is one immutable log entry.
type MicroEvent struct {
	Seq         int64          `json:"seq"`
	GateID      string         `json:"gate_id"`
	Type        Type           `json:"event_type"`
	TrackID     int64          `json:"track_id"`
	SecondaryID *int64         `json:"secondary_track_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	SessionID   string         `json:"session_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Status is the lifecycle state of a CheckSession.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusAbandoned Status = "abandoned"
	StatusCancelled Status = "cancelled"
)

var terminalEvent = map[Status]Type{
	StatusCompleted: SessionCompleted,
	StatusTimedOut:  SessionTimedOut,
	StatusAbandoned: SessionAbandoned,
	StatusCancelled: SessionCancelled,
}

// Session is one visitor-guard check attempt. A closed session is frozen.
type Session struct {
	ID      string                `json:"id"`
	GateID  string                `json:"gate_id"`
	Visitor int64                 `json:"visitor_id"`
	Guard   int64                 `json:"guard_id"`
	Start   time.Time             `json:"start"`
	End     *time.Time            `json:"end,omitempty"`
	Status  Status                `json:"status"`
	Reason  string                `json:"reason,omitempty"`
	Score   *state.ScoreBreakdown `json:"score,omitempty"`
}

// Active reports whether the session is still open.
func (s Session) Active() bool { return s.Status == StatusActive }

// PairKey identifies a visitor-guard pair.
type PairKey struct {
	Visitor, Guard int64
}

func ptr(v int64) *int64 { return &v }

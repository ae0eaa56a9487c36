package pipeline

import (
	"math"
	"time"

	"github.com/banshee-data/gatecheck/internal/decision"
	"github.com/banshee-data/gatecheck/internal/events"
	"github.com/banshee-data/gatecheck/internal/geom"
	"github.com/banshee-data/gatecheck/internal/pose"
	"github.com/banshee-data/gatecheck/internal/state"
	"github.com/banshee-data/gatecheck/internal/tracks"
)

// Detection is one detector output as it arrives on the wire.
type Detection struct {
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2] normalized
	Confidence float64   `json:"confidence"`
	Class      string    `json:"class,omitempty"`
}

// Frame is one input frame for a gate.
type Frame struct {
	GateID     string           `json:"gate_id,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Detections []Detection      `json:"detections"`
	Keypoints  []pose.Keypoints `json:"keypoints,omitempty"`
}

// invalidBox is substituted for a bbox that is not four numbers so the Track
// Store drops and counts it while detection indices stay aligned.
var invalidBox = geom.Box{X1: math.NaN(), Y1: math.NaN(), X2: math.NaN(), Y2: math.NaN()}

func (f Frame) detections() []tracks.Detection {
	out := make([]tracks.Detection, len(f.Detections))
	for i, d := range f.Detections {
		box, ok := geom.BoxFromSlice(d.BBox)
		if !ok {
			box = invalidBox
		}
		out[i] = tracks.Detection{Box: box, Confidence: d.Confidence, Class: d.Class}
	}
	return out
}

// PersonView is the reported state of a visitor.
type PersonView struct {
	TrackID int64             `json:"track_id"`
	Status  tracks.Status     `json:"status"`
	Box     geom.Box          `json:"box"`
	State   state.PersonState `json:"state"`
	// MinCenterDist is nil until a pair has been measured.
	MinCenterDist *float64              `json:"min_center_dist,omitempty"`
	DwellGAS      float64               `json:"dwell_ga_s"`
	InteractionS  float64               `json:"interaction_s"`
	SessionID     string                `json:"session_id,omitempty"`
	Score         *state.ScoreBreakdown `json:"score,omitempty"` // live, while in an attempt with a session
}

// GuardView is the reported state of a guard.
type GuardView struct {
	TrackID        int64            `json:"track_id"`
	Status         tracks.Status    `json:"status"`
	Box            geom.Box         `json:"box"`
	State          state.GuardState `json:"state"`
	RelevantDwellS float64          `json:"relevant_dwell_s"`
}

// Snapshot is the immutable post-frame state of a gate.
type Snapshot struct {
	GateID    string               `json:"gate_id"`
	Timestamp time.Time            `json:"timestamp"`
	Frames    int64                `json:"frames"`
	Mode      string               `json:"guard_anchor_mode"`
	Tracks    []tracks.Snapshot    `json:"tracks"`
	Persons   map[int64]PersonView `json:"persons"`
	Guards    map[int64]GuardView  `json:"guards"`
	Sessions  []events.Session     `json:"sessions"`
	LastSeq   int64                `json:"last_seq"`
}

// FrameResult is the output of one Process call.
type FrameResult struct {
	GateID      string                `json:"gate_id"`
	Timestamp   time.Time             `json:"timestamp"`
	Skipped     bool                  `json:"skipped,omitempty"` // out-of-order frame, state untouched
	Persons     map[int64]PersonView  `json:"persons,omitempty"`
	Guards      map[int64]GuardView   `json:"guards,omitempty"`
	Events      []events.MicroEvent   `json:"events,omitempty"`
	Completions []decision.Completion `json:"completions,omitempty"`
	Dropped     int                   `json:"dropped_detections,omitempty"`
}

// ResetResult is the output of an operator reset.
type ResetResult struct {
	GateID    string              `json:"gate_id"`
	Cancelled []events.Session    `json:"cancelled"`
	Events    []events.MicroEvent `json:"events,omitempty"`
}

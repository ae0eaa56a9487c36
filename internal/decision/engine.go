// Package decision runs the per-visitor gate-check state machine and the
// additive score that confirms a completed check.
//
// The machine only moves forward, IDLE through CHECK_COMPLETED, one step per
// frame at most. The single way back is a revert to IDLE when the visitor is
// lost, the attempt times out, or its session is closed underneath it.
package decision

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/gatecheck/internal/config"
	"github.com/banshee-data/gatecheck/internal/events"
	"github.com/banshee-data/gatecheck/internal/monitoring"
	"github.com/banshee-data/gatecheck/internal/pose"
	"github.com/banshee-data/gatecheck/internal/state"
	"github.com/banshee-data/gatecheck/internal/tracks"
	"github.com/banshee-data/gatecheck/internal/zones"
)

var log = monitoring.Component("decision")

// Config holds the state machine thresholds and score weights.
type Config struct {
	PersonMinDwell        time.Duration
	GuardMinDwell         time.Duration
	InteractionMinOverlap time.Duration
	SessionTimeout        time.Duration
	PersistenceFull       time.Duration
	ConsecutiveInGA       int
	ConsecutiveContact    int
	CenterDistScale       float64
	IoUMin                float64
	Weights               Weights
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		PersonMinDwell:        cfg.GetPersonMinDwell(),
		GuardMinDwell:         cfg.GetGuardMinDwell(),
		InteractionMinOverlap: cfg.GetInteractionMinOverlap(),
		SessionTimeout:        cfg.GetSessionTimeout(),
		PersistenceFull:       cfg.GetPersistenceFull(),
		ConsecutiveInGA:       cfg.GetConsecutiveInGA(),
		ConsecutiveContact:    cfg.GetConsecutiveContact(),
		CenterDistScale:       cfg.GetCenterDistScale(),
		IoUMin:                cfg.GetIoUMin(),
		Weights: Weights{
			Base:         cfg.GetBase(),
			ContactBonus: cfg.GetContactBonus(),
			PoseBonus:    cfg.GetPoseBonus(),
			ReidBonus:    cfg.GetReidPersistenceBonus(),
			Threshold:    cfg.GetThreshold(),
		},
	}
}

// Completion is emitted exactly once when a session reaches CHECK_COMPLETED.
type Completion struct {
	SessionID     string               `json:"session_id"`
	GateID        string               `json:"gate_id"`
	VisitorID     int64                `json:"visitor_id"`
	GuardID       int64                `json:"guard_id"`
	Timestamp     time.Time            `json:"timestamp"`
	Score         state.ScoreBreakdown `json:"score"`
	DwellS        float64              `json:"dwell_s"`
	GuardDwellS   float64              `json:"guard_dwell_s"`
	InteractionS  float64              `json:"interaction_s"`
	GuardOverlapS float64              `json:"guard_overlap_s"`
	SessionS      float64              `json:"session_s"`
}

// Input is one frame's view for the engine. Log receives FSM_TRANSITION
// events and session closures.
type Input struct {
	Now   time.Time
	Table *state.Table
	Zones zones.Frame
	Pose  map[zones.PairKey]pose.Signal
	Log   *events.Log
}

// Engine is the Decision Engine of one gate.
type Engine struct {
	cfg Config
}

// NewEngine returns an Engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// SetConfig swaps thresholds and weights.
func (en *Engine) SetConfig(cfg Config) { en.cfg = cfg }

// Config returns the thresholds in use.
func (en *Engine) Config() Config { return en.cfg }

// Step advances every visitor's machine by one frame and returns the
// completions it produced.
func (en *Engine) Step(in Input) []Completion {
	var out []Completion
	for _, e := range in.Table.ByRole(tracks.RoleVisitor) {
		if e.Person == nil {
			continue
		}
		if c, ok := en.stepVisitor(in, e); ok {
			out = append(out, c)
		}
	}
	return out
}

func inAttempt(p state.Phase) bool {
	return p == state.PhasePresentInGA || p == state.PhaseGuardPresent || p == state.PhaseInteractionWindow
}

func (en *Engine) stepVisitor(in Input, e *state.Entity) (Completion, bool) {
	now := in.Now
	p := e.Person
	sess, hasSess := in.Log.ActiveFor(e.TrackID)

	// Leaving the gate area re-arms the visitor and starts a fresh attempt.
	if !p.InGA && !p.Armed {
		p.Armed = true
		if p.Phase == state.PhaseCheckCompleted {
			en.transition(in, e, state.PhaseIdle, "new_attempt", "")
			p.ResetAttempt(now)
		}
	}

	if e.Track.Status == tracks.StatusLost {
		p.UninterruptedSince = now
		p.InteractionPrev = false
		p.ContactPrev = false
		if inAttempt(p.Phase) {
			en.revert(in, e, "track_lost", sess.ID)
		}
		return Completion{}, false
	}

	if inAttempt(p.Phase) && now.Sub(p.PresentSince) >= en.cfg.SessionTimeout {
		en.revert(in, e, "timeout", sess.ID)
		p.Armed = false
		if hasSess {
			in.Log.Close(sess.ID, events.StatusTimedOut, "fsm_timeout", nil, now)
		}
		return Completion{}, false
	}

	if (p.Phase == state.PhaseGuardPresent || p.Phase == state.PhaseInteractionWindow) && !hasSess {
		en.revert(in, e, "session_closed", "")
		return Completion{}, false
	}

	if e.Track.Observed {
		p.InGAHyst = p.InGAHyst.Step(p.InGA)
	}
	if hasSess && (p.Phase == state.PhaseGuardPresent || p.Phase == state.PhaseInteractionWindow) {
		en.accumulate(in, p, sess)
	}

	switch p.Phase {
	case state.PhaseIdle:
		if p.Armed && p.DwellGA >= en.cfg.PersonMinDwell && p.InGAHyst.Reached(en.cfg.ConsecutiveInGA) {
			p.PresentSince = now
			en.transition(in, e, state.PhasePresentInGA, "dwell", sess.ID)
		}

	case state.PhasePresentInGA:
		if !hasSess {
			break
		}
		g, ok := in.Table.Get(sess.Guard)
		if !ok || g.Guard == nil || !g.Guard.Qualified || g.Track.Status != tracks.StatusActive {
			break
		}
		if zones.RelevantGuardDwell(g.Guard, in.Zones.Mode) >= en.cfg.GuardMinDwell {
			en.transition(in, e, state.PhaseGuardPresent, "guard_qualified", sess.ID)
		}

	case state.PhaseGuardPresent:
		if p.ContactHyst.Reached(en.cfg.ConsecutiveContact) && p.Interaction >= en.cfg.InteractionMinOverlap {
			en.transition(in, e, state.PhaseInteractionWindow, "interaction", sess.ID)
		}

	case state.PhaseInteractionWindow:
		score := Score(p, en.uninterrupted(p, sess, now), en.cfg)
		log.Tracef("visitor=%d session=%s score=%.4f", e.TrackID, sess.ID, score.Total)
		if !MeetsThreshold(score.Total, en.cfg.Weights.Threshold) {
			break
		}
		en.transition(in, e, state.PhaseCheckCompleted, "score_threshold", sess.ID)
		p.Armed = false
		in.Log.Complete(sess.ID, score, now)
		return en.completion(in, e, sess, score), true
	}
	return Completion{}, false
}

// accumulate folds the session pair's contact and pose signals into the
// attempt's interaction measures. A frame without a measurement or a pose
// signal breaks accumulation without resetting it.
func (en *Engine) accumulate(in Input, p *state.PersonState, sess events.Session) {
	key := zones.PairKey{Visitor: sess.Visitor, Guard: sess.Guard}
	prox, _ := in.Zones.Pair(sess.Visitor, sess.Guard)
	sig := in.Pose[key]
	if !prox.Measured && !sig.Active() {
		p.InteractionPrev = false
		p.ContactPrev = false
		return
	}
	dt := in.Zones.Dt
	if prox.Measured {
		p.MinCenterDist = math.Min(p.MinCenterDist, prox.CenterDistance)
		p.MaxIoU = math.Max(p.MaxIoU, prox.IoU)
	}
	active := prox.Raw || sig.Active()
	if active && p.InteractionPrev {
		p.Interaction += dt
	}
	if prox.Raw && p.ContactPrev {
		p.GuardOverlap += dt
	}
	p.InteractionPrev = active
	p.ContactPrev = prox.Raw
	p.ContactHyst = p.ContactHyst.Step(active)
	if sig.Active() {
		p.MaxPoseConf = math.Max(p.MaxPoseConf, sig.Confidence)
	}
	if sig.Reach {
		p.PoseReachCount++
	}
}

// LiveScore is the score the visitor would get if evaluated at now for
// sess. Reporting uses it to show progress before completion.
func (en *Engine) LiveScore(p *state.PersonState, sess events.Session, now time.Time) state.ScoreBreakdown {
	return Score(p, en.uninterrupted(p, sess, now), en.cfg)
}

func (en *Engine) uninterrupted(p *state.PersonState, sess events.Session, now time.Time) time.Duration {
	since := sess.Start
	if p.UninterruptedSince.After(since) {
		since = p.UninterruptedSince
	}
	if d := now.Sub(since); d > 0 {
		return d
	}
	return 0
}

func (en *Engine) transition(in Input, e *state.Entity, to state.Phase, reason, sessionID string) {
	p := e.Person
	from := p.Phase
	p.Phase = to
	p.PhaseSince = in.Now
	in.Log.Emit(events.FSMTransition, e.TrackID, nil, in.Now, sessionID, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
	log.With(logrus.Fields{"gate": in.Log.GateID(), "visitor": e.TrackID, "session": sessionID}).
		Diagf("%s -> %s (%s)", from, to, reason)
}

// revert moves back to IDLE and starts a fresh attempt.
func (en *Engine) revert(in Input, e *state.Entity, reason, sessionID string) {
	en.transition(in, e, state.PhaseIdle, reason, sessionID)
	e.Person.ResetAttempt(in.Now)
}

func (en *Engine) completion(in Input, e *state.Entity, sess events.Session, score state.ScoreBreakdown) Completion {
	p := e.Person
	c := Completion{
		SessionID:     sess.ID,
		GateID:        sess.GateID,
		VisitorID:     sess.Visitor,
		GuardID:       sess.Guard,
		Timestamp:     in.Now,
		Score:         score,
		DwellS:        p.DwellGA.Seconds(),
		InteractionS:  p.Interaction.Seconds(),
		GuardOverlapS: p.GuardOverlap.Seconds(),
		SessionS:      in.Now.Sub(sess.Start).Seconds(),
	}
	if g, ok := in.Table.Get(sess.Guard); ok && g.Guard != nil {
		c.GuardDwellS = zones.RelevantGuardDwell(g.Guard, in.Zones.Mode).Seconds()
	}
	log.With(logrus.Fields{"gate": sess.GateID, "session": sess.ID, "visitor": sess.Visitor, "guard": sess.Guard}).
		Diagf("check completed score=%.3f", score.Total)
	return c
}

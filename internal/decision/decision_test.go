package decision

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gatecheck/internal/config"
	"github.com/banshee-data/gatecheck/internal/events"
	"github.com/banshee-data/gatecheck/internal/pose"
	"github.com/banshee-data/gatecheck/internal/state"
	"github.com/banshee-data/gatecheck/internal/tracks"
	"github.com/banshee-data/gatecheck/internal/zones"
)

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

const frame = 100 * time.Millisecond

func defaults() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

func TestMeetsThresholdBoundary(t *testing.T) {
	assert.False(t, MeetsThreshold(0.8999, 0.9))
	assert.True(t, MeetsThreshold(0.9000, 0.9))
	assert.True(t, MeetsThreshold(0.6+0.2+0.05+0.05, 0.9), "summation error is absorbed")
	assert.True(t, MeetsThreshold(0.95, 0.9))
}

func TestContactConfidence(t *testing.T) {
	tests := []struct {
		name    string
		dist    float64
		iou     float64
		want    float64
		epsilon float64
	}{
		{"never measured", math.Inf(1), 0, 0, 0},
		{"inside scale", 0.30, 0, 1, 0},
		{"halfway out", 0.525, 0, 0.5, 1e-9},
		{"beyond twice scale", 0.80, 0, 0, 0},
		{"overlap only", 0.80, 0.025, 0.5, 1e-9},
		{"overlap saturates", 0.80, 0.2, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ContactConfidence(tt.dist, tt.iou, 0.35, 0.05), tt.epsilon+1e-12)
		})
	}
}

func TestScoreScenario(t *testing.T) {
	cfg := defaults()
	p := state.NewPersonState(t0)
	p.MinCenterDist = 0.30

	b := Score(p, 5*time.Second, cfg)
	assert.InDelta(t, 0.6, b.Base, 1e-12)
	assert.InDelta(t, 0.2, b.Contact, 1e-12)
	assert.InDelta(t, 0.0, b.Pose, 1e-12)
	assert.InDelta(t, 0.025, b.Persistence, 1e-12)
	assert.InDelta(t, 0.825, b.Total, 1e-12)
	assert.False(t, MeetsThreshold(b.Total, cfg.Weights.Threshold))

	p.MaxPoseConf = 1
	b = Score(p, 5*time.Second, cfg)
	assert.InDelta(t, 0.975, b.Total, 1e-12)
	assert.True(t, MeetsThreshold(b.Total, cfg.Weights.Threshold))
}

func TestPersistenceFactor(t *testing.T) {
	assert.Equal(t, 0.5, PersistenceFactor(5*time.Second, 10*time.Second))
	assert.Equal(t, 1.0, PersistenceFactor(time.Minute, 10*time.Second))
	assert.Equal(t, 1.0, PersistenceFactor(0, 0))
}

// harness drives the engine with a hand-built table.
type harness struct {
	t   *testing.T
	en  *Engine
	tbl *state.Table
	log *events.Log
	now time.Time
	all []events.MicroEvent
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:   t,
		en:  NewEngine(defaults()),
		tbl: state.NewTable(),
		log: events.NewLog("test", events.ConfigFromTuning(config.EmptyTuningConfig())),
		now: t0,
	}
	v := h.tbl.Sync(tracks.Snapshot{ID: 1, Role: tracks.RoleVisitor, Status: tracks.StatusActive, Observed: true, FirstSeen: t0})
	v.EnsureRoleState(t0)
	v.Person.InGA = true
	v.Person.DwellGA = 6 * time.Second
	g := h.tbl.Sync(tracks.Snapshot{ID: 2, Role: tracks.RoleGuard, Status: tracks.StatusActive, Observed: true, FirstSeen: t0})
	g.EnsureRoleState(t0)
	g.Guard.InAnchor = true
	g.Guard.Qualified = true
	g.Guard.DwellAnchor = 3 * time.Second
	return h
}

func (h *harness) person() *state.PersonState {
	e, ok := h.tbl.Get(1)
	require.True(h.t, ok)
	return e.Person
}

func (h *harness) step(prox *zones.Proximity, sig *pose.Signal) []Completion {
	in := Input{Now: h.now, Table: h.tbl, Zones: zones.Frame{Dt: frame}, Log: h.log}
	key := zones.PairKey{Visitor: 1, Guard: 2}
	if prox != nil {
		p := *prox
		p.PairKey = key
		in.Zones.Pairs = []zones.Proximity{p}
	}
	if sig != nil {
		in.Pose = map[zones.PairKey]pose.Signal{key: *sig}
	}
	out := h.en.Step(in)
	evs, _ := h.log.Flush()
	h.all = append(h.all, evs...)
	h.now = h.now.Add(frame)
	return out
}

func (h *harness) transitions() []string {
	var out []string
	for _, ev := range h.all {
		if ev.Type == events.FSMTransition {
			out = append(out, ev.Payload["to"].(string))
		}
	}
	return out
}

var contact = &zones.Proximity{Measured: true, CenterDistance: 0.2, Raw: true}

func TestEngineRunsForwardToCompletion(t *testing.T) {
	h := newHarness(t)
	sess := h.log.Open(1, 2, t0, nil)

	for i := 0; i < 3; i++ {
		assert.Empty(t, h.step(nil, nil))
	}
	assert.Equal(t, state.PhasePresentInGA, h.person().Phase)

	h.step(nil, nil)
	assert.Equal(t, state.PhaseGuardPresent, h.person().Phase)

	// Eleven contact frames: ten intervals of interaction.
	for i := 0; i < 11; i++ {
		h.step(contact, nil)
	}
	assert.Equal(t, state.PhaseInteractionWindow, h.person().Phase)
	assert.Equal(t, time.Second, h.person().Interaction)

	// Contact alone scores below the threshold.
	assert.Empty(t, h.step(contact, nil))
	assert.Equal(t, state.PhaseInteractionWindow, h.person().Phase)

	done := h.step(contact, &pose.Signal{HandToTorso: true, Confidence: 1})
	require.Len(t, done, 1)
	c := done[0]
	assert.Equal(t, sess.ID, c.SessionID)
	assert.Equal(t, int64(1), c.VisitorID)
	assert.Equal(t, int64(2), c.GuardID)
	assert.InDelta(t, 0.6+0.2+0.15+0.05*0.16, c.Score.Total, 1e-9)
	assert.InDelta(t, 1.2, c.InteractionS, 1e-9)

	closed, _ := h.log.Session(sess.ID)
	assert.Equal(t, events.StatusCompleted, closed.Status)

	for i := 0; i < 20; i++ {
		assert.Empty(t, h.step(contact, &pose.Signal{Reach: true, Confidence: 1}), "completion fires once")
	}
	assert.Equal(t, state.PhaseCheckCompleted, h.person().Phase)

	// Leaving the gate area starts a fresh attempt; dwell is kept.
	h.person().InGA = false
	h.step(nil, nil)
	assert.Equal(t, state.PhaseIdle, h.person().Phase)
	assert.True(t, h.person().Armed)
	assert.Equal(t, 6*time.Second, h.person().DwellGA)
	assert.Zero(t, h.person().Interaction)

	assert.Equal(t, []string{"PRESENT_IN_GA", "GUARD_PRESENT", "INTERACTION_WINDOW", "CHECK_COMPLETED", "IDLE"}, h.transitions())
}

func TestEngineWaitsForGuardDwell(t *testing.T) {
	h := newHarness(t)
	g, _ := h.tbl.Get(2)
	g.Guard.DwellAnchor = 2 * time.Second
	h.log.Open(1, 2, t0, nil)
	for i := 0; i < 10; i++ {
		h.step(nil, nil)
	}
	assert.Equal(t, state.PhasePresentInGA, h.person().Phase)

	g.Guard.DwellAnchor = 3 * time.Second
	h.step(nil, nil)
	assert.Equal(t, state.PhaseGuardPresent, h.person().Phase)
}

func TestEngineRevertsOnLoss(t *testing.T) {
	h := newHarness(t)
	h.log.Open(1, 2, t0, nil)
	for i := 0; i < 4; i++ {
		h.step(nil, nil)
	}
	require.Equal(t, state.PhaseGuardPresent, h.person().Phase)

	v, _ := h.tbl.Get(1)
	v.Track.Status = tracks.StatusLost
	h.step(nil, nil)
	assert.Equal(t, state.PhaseIdle, h.person().Phase)
	last := h.all[len(h.all)-1]
	assert.Equal(t, "track_lost", last.Payload["reason"])
	_, ok := h.log.ActiveFor(1)
	assert.True(t, ok, "a lost visitor keeps its session until destroyed")
}

func TestEngineTimeout(t *testing.T) {
	h := newHarness(t)
	sess := h.log.Open(1, 2, t0, nil)
	for i := 0; i < 3; i++ {
		h.step(nil, nil)
	}
	require.Equal(t, state.PhasePresentInGA, h.person().Phase)
	g, _ := h.tbl.Get(2)
	g.Guard.Qualified = false

	h.now = h.person().PresentSince.Add(60 * time.Second)
	h.step(nil, nil)
	assert.Equal(t, state.PhaseIdle, h.person().Phase)
	assert.False(t, h.person().Armed)
	closed, _ := h.log.Session(sess.ID)
	assert.Equal(t, events.StatusTimedOut, closed.Status)

	// Disarmed: dwell alone does not restart the machine.
	for i := 0; i < 5; i++ {
		h.step(nil, nil)
	}
	assert.Equal(t, state.PhaseIdle, h.person().Phase)
}

func TestEngineRevertsWhenSessionCloses(t *testing.T) {
	h := newHarness(t)
	sess := h.log.Open(1, 2, t0, nil)
	for i := 0; i < 4; i++ {
		h.step(nil, nil)
	}
	require.Equal(t, state.PhaseGuardPresent, h.person().Phase)
	h.log.Close(sess.ID, events.StatusAbandoned, "track_destroyed", nil, h.now)
	h.step(nil, nil)
	assert.Equal(t, state.PhaseIdle, h.person().Phase)
}

func TestEngineOcclusionHoldsAccumulators(t *testing.T) {
	h := newHarness(t)
	h.log.Open(1, 2, t0, nil)
	for i := 0; i < 4; i++ {
		h.step(nil, nil)
	}
	for i := 0; i < 5; i++ {
		h.step(contact, nil)
	}
	before := *h.person()

	// Pair unmeasured for a few frames (guard occluded within grace).
	for i := 0; i < 5; i++ {
		h.step(&zones.Proximity{}, nil)
	}
	after := h.person()
	assert.Equal(t, before.Interaction, after.Interaction)
	assert.Equal(t, before.GuardOverlap, after.GuardOverlap)
	assert.Equal(t, before.ContactHyst, after.ContactHyst)

	// The gap is not credited on the first frame back.
	h.step(contact, nil)
	assert.Equal(t, before.Interaction, h.person().Interaction)
}

// Random perception signals never make the machine skip a state or move
// backwards other than to IDLE on loss, timeout or session closure.
func TestEngineForwardOnly(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h := newHarness(t)
	h.en.cfg.SessionTimeout = 8 * time.Second
	v, _ := h.tbl.Get(1)
	g, _ := h.tbl.Get(2)

	for i := 0; i < 3000; i++ {
		v.Person.InGA = rng.Float64() < 0.9
		v.Track.Status = tracks.StatusActive
		if rng.Float64() < 0.01 {
			v.Track.Status = tracks.StatusLost
		}
		g.Guard.Qualified = rng.Float64() < 0.8
		if _, ok := h.log.ActiveFor(1); !ok && v.Person.Armed && rng.Float64() < 0.2 {
			h.log.Open(1, 2, h.now, nil)
		}
		if s, ok := h.log.ActiveFor(1); ok && rng.Float64() < 0.002 {
			h.log.Close(s.ID, events.StatusAbandoned, "test", nil, h.now)
		}
		var prox *zones.Proximity
		if rng.Float64() < 0.7 {
			prox = &zones.Proximity{Measured: true, CenterDistance: rng.Float64() * 0.5}
			prox.Raw = prox.CenterDistance <= 0.35
		}
		var sig *pose.Signal
		if rng.Float64() < 0.1 {
			sig = &pose.Signal{HandToTorso: true, Confidence: rng.Float64()}
		}
		h.step(prox, sig)
	}

	completions := 0
	for _, ev := range h.all {
		if ev.Type != events.FSMTransition {
			continue
		}
		from := state.Phase(ev.Payload["from"].(string))
		to := state.Phase(ev.Payload["to"].(string))
		reason := ev.Payload["reason"].(string)
		if to == state.PhaseIdle {
			assert.Contains(t, []string{"track_lost", "timeout", "session_closed", "new_attempt"}, reason)
			if reason == "new_attempt" {
				assert.Equal(t, state.PhaseCheckCompleted, from)
			}
			continue
		}
		assert.Equal(t, from.Order()+1, to.Order(), "%s -> %s", from, to)
		if to == state.PhaseCheckCompleted {
			completions++
		}
	}
	assert.Positive(t, completions, "the random walk should complete at least once")
}

func TestLiveScoreUsesSessionWindow(t *testing.T) {
	en := NewEngine(defaults())
	p := state.NewPersonState(t0)
	p.MinCenterDist = 0.30
	sess := events.Session{ID: "s", Visitor: 1, Guard: 2, Start: t0.Add(2 * time.Second)}

	// Uninterrupted time counts from the later of session start and the
	// last loss: 5 s of a 10 s horizon.
	b := en.LiveScore(p, sess, t0.Add(7*time.Second))
	assert.InDelta(t, 0.825, b.Total, 1e-12)

	p.UninterruptedSince = t0.Add(6 * time.Second)
	b = en.LiveScore(p, sess, t0.Add(7*time.Second))
	assert.InDelta(t, 0.6+0.2+0.05*0.1, b.Total, 1e-12)
}

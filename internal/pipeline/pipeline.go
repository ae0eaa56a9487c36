package pipeline

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/gatecheck/internal/audit"
	"github.com/banshee-data/gatecheck/internal/config"
	"github.com/banshee-data/gatecheck/internal/decision"
	"github.com/banshee-data/gatecheck/internal/events"
	"github.com/banshee-data/gatecheck/internal/metrics"
	"github.com/banshee-data/gatecheck/internal/monitoring"
	"github.com/banshee-data/gatecheck/internal/pose"
	"github.com/banshee-data/gatecheck/internal/state"
	"github.com/banshee-data/gatecheck/internal/timeutil"
	"github.com/banshee-data/gatecheck/internal/tracks"
	"github.com/banshee-data/gatecheck/internal/zones"
)

var log = monitoring.Component("pipeline")

// Submitter accepts audit batches without blocking. *audit.Dispatcher
// implements it.
type Submitter interface {
	Submit(b audit.Batch) error
}

type discard struct{}

func (discard) Submit(audit.Batch) error { return nil }

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAudit sends every frame's events, session changes and completions to s.
func WithAudit(s Submitter) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.audit = s
		}
	}
}

// WithClock sets the clock used to time frames and stamp resets issued
// before the first frame.
func WithClock(c timeutil.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// Pipeline is the per-gate composition of the gate-check stages.
type Pipeline struct {
	gateID string
	plog   monitoring.Logger
	audit  Submitter
	clock  timeutil.Clock

	mu     sync.Mutex
	store  *tracks.Store
	table  *state.Table
	zones  *zones.Evaluator
	pose   *pose.Evaluator
	log    *events.Log
	engine *decision.Engine
	last   time.Time
	frames int64

	snap atomic.Pointer[Snapshot]
}

// New builds a Pipeline for one resolved gate.
func New(gate config.Gate, opts ...Option) *Pipeline {
	tuning := gate.Tuning
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	set := zones.Load(gate.Zones, tuning.GetZoneExitMargin())
	p := &Pipeline{
		gateID: gate.ID,
		plog:   log.With(logrus.Fields{"gate": gate.ID}),
		audit:  discard{},
		clock:  timeutil.RealClock{},
		store:  tracks.NewStore(tracks.ConfigFromTuning(tuning), set.Classify),
		table:  state.NewTable(),
		zones:  zones.NewEvaluator(zones.ConfigFromTuning(tuning), set),
		pose:   pose.NewEvaluator(pose.ConfigFromTuning(tuning)),
		log:    events.NewLog(gate.ID, events.ConfigFromTuning(tuning)),
		engine: decision.NewEngine(decision.ConfigFromTuning(tuning)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.snap.Store(p.snapshotLocked(time.Time{}))
	return p
}

// GateID returns the gate this pipeline serves.
func (p *Pipeline) GateID() string { return p.gateID }

// Snapshot returns the state after the most recent frame or reset.
func (p *Pipeline) Snapshot() *Snapshot { return p.snap.Load() }

// Zones returns the zones in use.
func (p *Pipeline) Zones() []zones.Zone {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.zones.Zones().Zones()
}

// Events returns the retained micro-events of the gate.
func (p *Pipeline) Events() []events.MicroEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.log.Events()
}

// UpdateConfig swaps in a new configuration for the gate. It takes effect
// from the next frame; tracks, dwell and sessions are kept.
func (p *Pipeline) UpdateConfig(gate config.Gate) {
	tuning := gate.Tuning
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	set := zones.Load(gate.Zones, tuning.GetZoneExitMargin())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.store.SetConfig(tracks.ConfigFromTuning(tuning))
	p.store.SetClassifier(set.Classify)
	p.zones.SetConfig(zones.ConfigFromTuning(tuning), set)
	p.pose.SetConfig(pose.ConfigFromTuning(tuning))
	p.log.SetConfig(events.ConfigFromTuning(tuning))
	p.engine.SetConfig(decision.ConfigFromTuning(tuning))
	p.plog.Diagf("configuration updated (mode %s)", p.zones.Mode())
}

// Process runs one frame through every stage. A frame older than the last
// processed one is skipped and leaves all state untouched.
func (p *Pipeline) Process(f Frame) FrameResult {
	started := p.clock.Now()
	now := f.Timestamp

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.last.IsZero() && now.Before(p.last) {
		p.plog.Opsf("out-of-order frame at %s dropped (last %s)", now.Format(time.RFC3339Nano), p.last.Format(time.RFC3339Nano))
		metrics.RecordFrame(p.gateID, "out_of_order", 0, 0)
		return FrameResult{GateID: p.gateID, Timestamp: now, Skipped: true}
	}
	p.last = now
	p.frames++

	res := p.store.Update(f.detections(), now)
	if res.Dropped > 0 {
		p.plog.Tracef("%d malformed detections dropped", res.Dropped)
	}
	for _, m := range res.Merged {
		p.table.Merge(m.From, m.Into)
		p.pose.ForgetTrack(m.From)
	}
	for _, id := range res.Destroyed {
		p.table.Remove(id)
		p.pose.ForgetTrack(id)
	}
	for _, snap := range res.Tracks {
		p.table.Sync(snap)
	}

	frame := p.zones.Evaluate(p.table, now)
	signals := p.evaluatePose(f, res, frame, now)

	p.log.Observe(events.Observation{
		Now:    now,
		Tracks: res,
		Table:  p.table,
		Zones:  frame,
		Pose:   signals,
	})
	completions := p.engine.Step(decision.Input{
		Now:   now,
		Table: p.table,
		Zones: frame,
		Pose:  signals,
		Log:   p.log,
	})
	evs, sessions := p.log.Flush()

	p.record(evs, sessions, completions)
	snap := p.snapshotLocked(now)
	p.snap.Store(snap)
	metrics.RecordFrame(p.gateID, "ok", p.clock.Since(started), res.Dropped)

	return FrameResult{
		GateID:      p.gateID,
		Timestamp:   now,
		Persons:     snap.Persons,
		Guards:      snap.Guards,
		Events:      evs,
		Completions: completions,
		Dropped:     res.Dropped,
	}
}

// evaluatePose computes the pose signal of every live pair. Keypoints attach
// to a track directly or through the index of their detection.
func (p *Pipeline) evaluatePose(f Frame, res tracks.UpdateResult, frame zones.Frame, now time.Time) map[zones.PairKey]pose.Signal {
	if len(frame.Pairs) == 0 {
		return nil
	}
	skeletons := make(map[int64]pose.Skeleton, len(f.Keypoints))
	for _, kp := range f.Keypoints {
		var id int64
		switch {
		case kp.TrackID != nil:
			id = *kp.TrackID
		case kp.Detection != nil && *kp.Detection >= 0 && *kp.Detection < len(res.DetectionTracks):
			id = res.DetectionTracks[*kp.Detection]
		}
		if id != 0 {
			skeletons[id] = kp.Points
		}
	}

	out := make(map[zones.PairKey]pose.Signal, len(frame.Pairs))
	for _, pr := range frame.Pairs {
		if pr.Removed {
			continue
		}
		out[pr.PairKey] = p.pose.Evaluate(pose.Input{
			Visitor:        pr.Visitor,
			Guard:          pr.Guard,
			VisitorPose:    skeletons[pr.Visitor],
			GuardPose:      skeletons[pr.Guard],
			RawContact:     pr.Raw,
			Measured:       pr.Measured,
			CenterDistance: pr.CenterDistance,
		}, now)
	}
	return out
}

// record counts and dispatches a frame's audit output. Callers hold mu.
func (p *Pipeline) record(evs []events.MicroEvent, sessions []events.Session, completions []decision.Completion) {
	for _, ev := range evs {
		metrics.RecordEvent(p.gateID, string(ev.Type))
	}
	for _, s := range sessions {
		if !s.Active() {
			metrics.RecordSessionClosed(p.gateID, string(s.Status))
		}
	}
	for _, c := range completions {
		metrics.RecordCompletion(p.gateID, c.Score.Total)
	}
	metrics.SetGateState(p.gateID, p.table.Len(), p.log.ActiveCount())

	// A refused batch is logged and counted by the dispatcher.
	_ = p.audit.Submit(audit.Batch{
		GateID:      p.gateID,
		Events:      evs,
		Sessions:    sessions,
		Completions: completions,
	})
}

// AssignRole overrides the role of a live track. It fails with
// state.ErrRoleLocked once the track has role state, and with
// state.ErrUnknownTrack for ids that are not live.
func (p *Pipeline) AssignRole(id int64, role tracks.Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.table.SetRole(id, role); err != nil {
		return err
	}
	p.store.SetRole(id, role)
	p.plog.Diagf("track %d assigned role %s", id, role)
	p.snap.Store(p.snapshotLocked(p.last))
	return nil
}

// Reset is the operator reset. With ids it cancels the sessions of those
// tracks and clears their role state; with none it cancels every session and
// drops all tracks. Either way the change is atomic with respect to frames
// and snapshots.
func (p *Pipeline) Reset(ids ...int64) ResetResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.last
	if now.IsZero() {
		now = p.clock.Now()
	}
	cancelled := p.log.Cancel(now, ids...)
	if len(ids) == 0 {
		p.table.Clear()
		p.store.Reset()
		p.zones.Reset()
		p.pose.Reset()
	} else {
		for _, id := range ids {
			_ = p.table.ClearRoleState(id)
			p.zones.ForgetTrack(id)
			p.pose.ForgetTrack(id)
		}
	}
	evs, sessions := p.log.Flush()
	p.record(evs, sessions, nil)
	p.snap.Store(p.snapshotLocked(p.last))

	p.plog.Diagf("operator reset of %d tracks cancelled %d sessions", len(ids), len(cancelled))
	return ResetResult{GateID: p.gateID, Cancelled: cancelled, Events: evs}
}

// snapshotLocked builds the immutable view of the current state. Callers
// hold mu, or own p exclusively.
func (p *Pipeline) snapshotLocked(now time.Time) *Snapshot {
	mode := p.zones.Mode()
	snap := &Snapshot{
		GateID:    p.gateID,
		Timestamp: now,
		Frames:    p.frames,
		Mode:      mode,
		Tracks:    p.store.Snapshots(),
		Persons:   make(map[int64]PersonView),
		Guards:    make(map[int64]GuardView),
		Sessions:  p.log.Sessions(),
		LastSeq:   p.log.LastSeq(),
	}
	for id, e := range p.table.Clone() {
		switch {
		case e.Person != nil:
			snap.Persons[id] = p.personView(e, now)
		case e.Guard != nil:
			snap.Guards[id] = GuardView{
				TrackID:        id,
				Status:         e.Track.Status,
				Box:            e.Track.Smoothed,
				State:          *e.Guard,
				RelevantDwellS: zones.RelevantGuardDwell(e.Guard, mode).Seconds(),
			}
		}
	}
	return snap
}

func (p *Pipeline) personView(e *state.Entity, now time.Time) PersonView {
	ps := e.Person
	v := PersonView{
		TrackID:      e.TrackID,
		Status:       e.Track.Status,
		Box:          e.Track.Smoothed,
		State:        *ps,
		DwellGAS:     ps.DwellGA.Seconds(),
		InteractionS: ps.Interaction.Seconds(),
	}
	if !math.IsInf(ps.MinCenterDist, 1) {
		d := ps.MinCenterDist
		v.MinCenterDist = &d
	}
	if sess, ok := p.log.ActiveFor(e.TrackID); ok {
		v.SessionID = sess.ID
		if ps.Phase == state.PhaseGuardPresent || ps.Phase == state.PhaseInteractionWindow {
			score := p.engine.LiveScore(ps, sess, now)
			v.Score = &score
		}
	}
	return v
}

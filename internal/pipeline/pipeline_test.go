package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gatecheck/internal/audit"
	"github.com/banshee-data/gatecheck/internal/config"
	"github.com/banshee-data/gatecheck/internal/events"
	"github.com/banshee-data/gatecheck/internal/geom"
	"github.com/banshee-data/gatecheck/internal/pose"
	"github.com/banshee-data/gatecheck/internal/state"
	"github.com/banshee-data/gatecheck/internal/testutil"
	"github.com/banshee-data/gatecheck/internal/tracks"
)

const step = 100 * time.Millisecond

// Positions for the scenario: the visitor stands at the right edge of the
// gate area, 0.20 from a guard in the guard post.
var (
	visitorSpot = geom.Point{X: 0.65, Y: 0.80}
	guardSpot   = testutil.InGuardPost
)

func at(i int) time.Time { return testutil.Epoch.Add(time.Duration(i) * step) }

func det(class string, foot geom.Point) Detection {
	b := testutil.PersonAt(foot)
	return Detection{BBox: []float64{b.X1, b.Y1, b.X2, b.Y2}, Confidence: 0.9, Class: class}
}

func testGate() config.Gate {
	return config.Gate{ID: "north", Zones: testutil.Zones(), Tuning: config.EmptyTuningConfig()}
}

type recorder struct {
	mu      sync.Mutex
	batches []audit.Batch
}

func (r *recorder) Submit(b audit.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return nil
}

func (r *recorder) completions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b.Completions)
	}
	return n
}

// reachingSkeletons returns a visitor skeleton with a clear torso and a guard
// skeleton whose right wrist rests on it.
func reachingSkeletons(visitorDet, guardDet int) []pose.Keypoints {
	visitor := make(pose.Skeleton, pose.NumKeypoints)
	visitor[pose.LeftShoulder] = pose.Keypoint{X: 0.63, Y: 0.56, Conf: 1}
	visitor[pose.RightShoulder] = pose.Keypoint{X: 0.67, Y: 0.56, Conf: 1}
	visitor[pose.LeftHip] = pose.Keypoint{X: 0.63, Y: 0.68, Conf: 1}
	visitor[pose.RightHip] = pose.Keypoint{X: 0.67, Y: 0.68, Conf: 1}
	guard := make(pose.Skeleton, pose.NumKeypoints)
	guard[pose.RightWrist] = pose.Keypoint{X: 0.66, Y: 0.62, Conf: 1}
	return []pose.Keypoints{
		{Detection: &visitorDet, Points: visitor},
		{Detection: &guardDet, Points: guard},
	}
}

func transitions(evs []events.MicroEvent) []string {
	var out []string
	for _, ev := range evs {
		if ev.Type == events.FSMTransition {
			out = append(out, ev.Payload["to"].(string))
		}
	}
	return out
}

// TestScenarioScoresAndCompletes walks the default configuration through a
// full check: dwell, guard presence, sustained contact, then a pose signal
// that lifts the score over the threshold.
func TestScenarioScoresAndCompletes(t *testing.T) {
	rec := &recorder{}
	p := New(testGate(), WithAudit(rec))

	var all []events.MicroEvent
	phaseAt := map[string]time.Time{}
	var completion *FrameResult

	for i := 0; i <= 91; i++ {
		f := Frame{Timestamp: at(i), Detections: []Detection{det("visitor", visitorSpot)}}
		if i >= 40 {
			f.Detections = append(f.Detections, det("guard", guardSpot))
		}
		if i == 91 {
			f.Keypoints = reachingSkeletons(0, 1)
		}
		res := p.Process(f)
		require.False(t, res.Skipped)
		all = append(all, res.Events...)
		for _, to := range transitions(res.Events) {
			phaseAt[to] = res.Timestamp
		}
		if len(res.Completions) > 0 {
			r := res
			completion = &r
			continue
		}

		// Before the pose signal the score plateaus below the threshold.
		if i == 90 {
			v := res.Persons[1]
			require.NotNil(t, v.Score)
			assert.Equal(t, state.PhaseInteractionWindow, v.State.Phase)
			assert.InDelta(t, 0.8+0.05*0.49, v.Score.Total, 1e-9)
			assert.Less(t, v.Score.Total, 0.9)
		}
	}

	assert.Equal(t, []string{"PRESENT_IN_GA", "GUARD_PRESENT", "INTERACTION_WINDOW", "CHECK_COMPLETED"}, transitions(all))
	assert.True(t, phaseAt["PRESENT_IN_GA"].Equal(at(60)), "dwell reaches 6.0 s")
	assert.True(t, phaseAt["GUARD_PRESENT"].Equal(at(70)), "guard anchor dwell reaches 3.0 s")
	assert.True(t, phaseAt["INTERACTION_WINDOW"].Equal(at(81)), "interaction reaches 1.0 s")

	require.NotNil(t, completion, "the pose frame completes the check")
	require.Len(t, completion.Completions, 1)
	c := completion.Completions[0]
	assert.True(t, c.Timestamp.Equal(at(91)))
	assert.Equal(t, int64(1), c.VisitorID)
	assert.Equal(t, int64(2), c.GuardID)
	assert.InDelta(t, 0.825, c.Score.Base+c.Score.Contact+c.Score.Persistence, 1e-9)
	assert.InDelta(t, 0.15, c.Score.Pose, 1e-9)
	assert.InDelta(t, 0.975, c.Score.Total, 1e-9)
	assert.InDelta(t, 0.5, c.Score.PersistenceFactor, 1e-9)
	assert.InDelta(t, 5.0, c.SessionS, 1e-9)
	assert.InDelta(t, 9.1, c.DwellS, 1e-9)

	snap := p.Snapshot()
	require.Len(t, snap.Sessions, 1)
	sess := snap.Sessions[0]
	assert.Equal(t, events.StatusCompleted, sess.Status)
	assert.True(t, sess.Start.Equal(at(41)), "session opens once the guard qualifies")
	require.NotNil(t, sess.Score)
	assert.InDelta(t, 0.975, sess.Score.Total, 1e-9)
	assert.Equal(t, state.PhaseCheckCompleted, snap.Persons[1].State.Phase)
	assert.Nil(t, snap.Persons[1].Score, "no live score outside an attempt")

	assert.Equal(t, 1, rec.completions(), "completion is emitted once")

	// Staying in place does not complete again.
	for i := 92; i < 100; i++ {
		res := p.Process(Frame{Timestamp: at(i), Detections: []Detection{det("visitor", visitorSpot), det("guard", guardSpot)}})
		assert.Empty(t, res.Completions)
	}
	assert.Equal(t, 1, rec.completions())
}

func TestSessionExclusivity(t *testing.T) {
	p := New(testGate())
	secondGuard := geom.Point{X: 0.90, Y: 0.60}
	secondVisitor := geom.Point{X: 0.35, Y: 0.70}

	for i := 0; i < 150; i++ {
		dets := []Detection{det("visitor", visitorSpot), det("guard", guardSpot)}
		if i >= 20 {
			dets = append(dets, det("guard", secondGuard))
		}
		if i >= 50 && i < 120 {
			dets = append(dets, det("visitor", secondVisitor))
		}
		p.Process(Frame{Timestamp: at(i), Detections: dets})

		byVisitor := map[int64]int{}
		byPair := map[events.PairKey]int{}
		for _, s := range p.Snapshot().Sessions {
			if !s.Active() {
				continue
			}
			byVisitor[s.Visitor]++
			byPair[events.PairKey{Visitor: s.Visitor, Guard: s.Guard}]++
		}
		for v, n := range byVisitor {
			require.LessOrEqual(t, n, 1, "visitor %d at frame %d", v, i)
		}
		for k, n := range byPair {
			require.LessOrEqual(t, n, 1, "pair %v at frame %d", k, i)
		}
	}

	// The first guard qualified first and is chosen for both visitors.
	for _, s := range p.Snapshot().Sessions {
		assert.Equal(t, int64(2), s.Guard)
	}
}

func TestOutOfOrderFrameSkipped(t *testing.T) {
	p := New(testGate())
	p.Process(Frame{Timestamp: at(10), Detections: []Detection{det("visitor", visitorSpot)}})
	before := p.Snapshot()

	res := p.Process(Frame{Timestamp: at(5), Detections: []Detection{det("visitor", testutil.Outside)}})
	assert.True(t, res.Skipped)
	assert.Empty(t, res.Events)
	assert.Same(t, before, p.Snapshot())

	// Equal timestamps are accepted.
	res = p.Process(Frame{Timestamp: at(10), Detections: []Detection{det("visitor", visitorSpot)}})
	assert.False(t, res.Skipped)
}

func TestMalformedDetectionsDropped(t *testing.T) {
	p := New(testGate())
	res := p.Process(Frame{Timestamp: at(0), Detections: []Detection{
		{BBox: []float64{0.1, 0.2, 0.3}, Confidence: 0.9},
		det("visitor", visitorSpot),
		{BBox: []float64{0.5, 0.5, 0.4, 0.9}, Confidence: 0.9},
	}})
	assert.Equal(t, 2, res.Dropped)
	require.Len(t, p.Snapshot().Tracks, 1)
	assert.Equal(t, tracks.RoleVisitor, p.Snapshot().Tracks[0].Role)
}

func TestReidMergeKeepsPersonDwell(t *testing.T) {
	p := New(testGate())
	for i := 0; i <= 50; i++ {
		p.Process(Frame{Timestamp: at(i), Detections: []Detection{det("visitor", visitorSpot)}})
	}
	require.Contains(t, p.Snapshot().Persons, int64(1))
	assert.InDelta(t, 5.0, p.Snapshot().Persons[1].DwellGAS, 1e-9)

	// Occluded long enough to be lost, back inside the re-id window.
	for i := 51; i < 65; i++ {
		p.Process(Frame{Timestamp: at(i)})
	}
	res := p.Process(Frame{Timestamp: at(65), Detections: []Detection{det("visitor", visitorSpot)}})
	var merged bool
	for _, ev := range res.Events {
		if ev.Type == events.TrackMerged {
			merged = true
			assert.Equal(t, int64(1), ev.TrackID)
		}
	}
	assert.True(t, merged, "the reappearing detection is merged into the lost track")

	for i := 66; i < 70; i++ {
		p.Process(Frame{Timestamp: at(i), Detections: []Detection{det("visitor", visitorSpot)}})
	}
	snap := p.Snapshot()
	require.Len(t, snap.Tracks, 1)
	assert.Equal(t, int64(1), snap.Tracks[0].ID)
	require.Len(t, snap.Persons, 1)
	assert.InDelta(t, 5.4, snap.Persons[1].DwellGAS, 1e-9, "dwell continues from before the occlusion")
}

func TestResetTracks(t *testing.T) {
	rec := &recorder{}
	p := New(testGate(), WithAudit(rec))
	for i := 0; i < 20; i++ {
		p.Process(Frame{Timestamp: at(i), Detections: []Detection{det("visitor", visitorSpot), det("guard", guardSpot)}})
	}
	first, ok := activeSession(p)
	require.True(t, ok)

	res := p.Reset(1)
	require.Len(t, res.Cancelled, 1)
	assert.Equal(t, first.ID, res.Cancelled[0].ID)
	assert.Equal(t, events.StatusCancelled, res.Cancelled[0].Status)
	require.NotEmpty(t, res.Events)
	assert.Equal(t, events.SessionCancelled, res.Events[0].Type)

	snap := p.Snapshot()
	_, hasPerson := snap.Persons[1]
	assert.False(t, hasPerson, "visitor role state cleared")
	assert.Contains(t, snap.Guards, int64(2), "other tracks keep their state")
	_, ok = activeSession(p)
	assert.False(t, ok)

	// The visitor is picked up again on the next frame with a new session.
	p.Process(Frame{Timestamp: at(20), Detections: []Detection{det("visitor", visitorSpot), det("guard", guardSpot)}})
	second, ok := activeSession(p)
	require.True(t, ok)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 0.0, p.Snapshot().Persons[1].DwellGAS, "dwell restarts after reset")
}

func TestResetAll(t *testing.T) {
	p := New(testGate())
	for i := 0; i < 20; i++ {
		p.Process(Frame{Timestamp: at(i), Detections: []Detection{det("visitor", visitorSpot), det("guard", guardSpot)}})
	}
	res := p.Reset()
	assert.Len(t, res.Cancelled, 1)
	snap := p.Snapshot()
	assert.Empty(t, snap.Tracks)
	assert.Empty(t, snap.Persons)
	assert.Empty(t, snap.Guards)

	// Track ids are never reused.
	p.Process(Frame{Timestamp: at(20), Detections: []Detection{det("visitor", visitorSpot)}})
	require.Len(t, p.Snapshot().Tracks, 1)
	assert.Equal(t, int64(3), p.Snapshot().Tracks[0].ID)
}

func activeSession(p *Pipeline) (events.Session, bool) {
	for _, s := range p.Snapshot().Sessions {
		if s.Active() {
			return s, true
		}
	}
	return events.Session{}, false
}

func TestAssignRole(t *testing.T) {
	p := New(testGate())
	p.Process(Frame{Timestamp: at(0), Detections: []Detection{
		{BBox: boxSlice(testutil.Outside), Confidence: 0.9, Class: "person"},
		det("visitor", visitorSpot),
	}})

	require.NoError(t, p.AssignRole(1, tracks.RoleGuard))
	assert.Equal(t, tracks.RoleGuard, p.Snapshot().Tracks[0].Role)

	assert.ErrorIs(t, p.AssignRole(2, tracks.RoleGuard), state.ErrRoleLocked)
	assert.ErrorIs(t, p.AssignRole(99, tracks.RoleGuard), state.ErrUnknownTrack)
}

func boxSlice(foot geom.Point) []float64 {
	b := testutil.PersonAt(foot)
	return []float64{b.X1, b.Y1, b.X2, b.Y2}
}

func TestUpdateConfigKeepsState(t *testing.T) {
	p := New(testGate())
	for i := 0; i < 10; i++ {
		p.Process(Frame{Timestamp: at(i), Detections: []Detection{det("visitor", visitorSpot)}})
	}
	gate := testGate()
	gate.Tuning = &config.TuningConfig{GuardAnchorMode: strPtr(config.GuardModeAnchorOnly)}
	p.UpdateConfig(gate)

	p.Process(Frame{Timestamp: at(10), Detections: []Detection{det("visitor", visitorSpot)}})
	snap := p.Snapshot()
	assert.Equal(t, config.GuardModeAnchorOnly, snap.Mode)
	assert.InDelta(t, 1.0, snap.Persons[1].DwellGAS, 1e-9)
}

func strPtr(s string) *string { return &s }

func TestSnapshotConcurrentReads(t *testing.T) {
	p := New(testGate())
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			snap := p.Snapshot()
			// A snapshot is internally consistent: every person view
			// refers to a track in the same snapshot.
			ids := map[int64]bool{}
			for _, tr := range snap.Tracks {
				ids[tr.ID] = true
			}
			for id := range snap.Persons {
				if !ids[id] {
					t.Errorf("person %d without track in snapshot", id)
					return
				}
			}
		}
	}()
	for i := 0; i < 100; i++ {
		p.Process(Frame{Timestamp: at(i), Detections: []Detection{det("visitor", visitorSpot), det("guard", guardSpot)}})
		if i == 50 {
			p.Reset()
		}
	}
	close(done)
	wg.Wait()
}

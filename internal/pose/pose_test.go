package pose

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gatecheck/internal/config"
)

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

// skeleton returns a standing figure whose torso center is (0.45, 0.625)
// with height 0.15, and both wrists at the given positions.
func skeleton(left, right [2]float64, conf float64) Skeleton {
	s := make(Skeleton, NumKeypoints)
	s[LeftShoulder] = Keypoint{0.42, 0.55, conf}
	s[RightShoulder] = Keypoint{0.48, 0.55, conf}
	s[LeftHip] = Keypoint{0.43, 0.70, conf}
	s[RightHip] = Keypoint{0.47, 0.70, conf}
	s[LeftWrist] = Keypoint{left[0], left[1], conf}
	s[RightWrist] = Keypoint{right[0], right[1], conf}
	return s
}

var (
	far  = [2]float64{0.20, 0.62}
	near = [2]float64{0.50, 0.62}
)

func testConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

func TestKeypointJSON(t *testing.T) {
	var k Keypoints
	require.NoError(t, json.Unmarshal([]byte(`{"track_id": 4, "points": [[0.1, 0.2, 0.9]]}`), &k))
	require.NotNil(t, k.TrackID)
	assert.Equal(t, int64(4), *k.TrackID)
	assert.Nil(t, k.Detection)
	assert.Equal(t, Keypoint{0.1, 0.2, 0.9}, k.Points[0])

	b, err := json.Marshal(k.Points[0])
	require.NoError(t, err)
	assert.JSONEq(t, `[0.1, 0.2, 0.9]`, string(b))

	assert.Error(t, json.Unmarshal([]byte(`[0.1, 0.2]`), &Keypoint{}))
}

func TestNeutralWhenUnavailable(t *testing.T) {
	ev := NewEvaluator(testConfig())
	sig := ev.Evaluate(Input{Visitor: 1, Guard: 2}, t0)
	assert.Equal(t, Neutral(), sig)
	assert.Zero(t, sig.Confidence)

	cfg := testConfig()
	cfg.Enabled = false
	ev = NewEvaluator(cfg)
	sig = ev.Evaluate(Input{Visitor: 1, Guard: 2, VisitorPose: skeleton(near, near, 1)}, t0)
	assert.Equal(t, Neutral(), sig)
}

func TestHandToTorso(t *testing.T) {
	tests := []struct {
		name    string
		visitor Skeleton
		guard   Skeleton
		want    bool
	}{
		{"guard wrist on visitor torso", skeleton(far, far, 1), skeleton(far, near, 1), true},
		{"guard wrist away", skeleton(near, near, 1), skeleton(far, far, 1), false},
		{"visitor own wrist without guard pose", skeleton(far, near, 1), nil, true},
		{"low confidence keypoints ignored", skeleton(near, near, 0.1), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewEvaluator(testConfig())
			sig := ev.Evaluate(Input{Visitor: 1, Guard: 2, VisitorPose: tt.visitor, GuardPose: tt.guard}, t0)
			assert.Equal(t, tt.want, sig.HandToTorso)
			if tt.want {
				assert.Equal(t, 1.0, sig.Confidence)
				assert.Equal(t, SourceKeypoints, sig.Source)
			}
		})
	}
}

// shrink scales s by f around the torso center, as if the person stood
// further from the camera.
func shrink(s Skeleton, f float64) Skeleton {
	out := make(Skeleton, len(s))
	for i, k := range s {
		out[i] = Keypoint{0.45 + (k.X-0.45)*f, 0.625 + (k.Y-0.625)*f, k.Conf}
	}
	return out
}

func TestHandToTorsoScalesWithTorso(t *testing.T) {
	// The wrist sits 0.4 torso heights from the torso center.
	wrist := [2]float64{0.51, 0.625}
	visitor := skeleton(far, far, 1)
	guard := skeleton(far, wrist, 1)

	ev := NewEvaluator(testConfig())
	assert.True(t, ev.Evaluate(Input{Visitor: 1, Guard: 2, VisitorPose: visitor, GuardPose: guard}, t0).HandToTorso)

	// Same image gap on a torso half the size is 0.8 torso heights.
	small := shrink(visitor, 0.5)
	ev = NewEvaluator(testConfig())
	assert.False(t, ev.Evaluate(Input{Visitor: 1, Guard: 2, VisitorPose: small, GuardPose: guard}, t0).HandToTorso)

	// Scaling both people keeps the decision.
	ev = NewEvaluator(testConfig())
	assert.True(t, ev.Evaluate(Input{Visitor: 1, Guard: 2, VisitorPose: small, GuardPose: shrink(guard, 0.5)}, t0).HandToTorso)
}

func TestReachIgnoresWristOwnerSwitch(t *testing.T) {
	ev := NewEvaluator(testConfig())
	visitor := skeleton(far, near, 1)

	// Guard wrists far away, then the guard pose drops out and the
	// visitor's own wrist on the torso is used instead.
	ev.Evaluate(Input{Visitor: 1, Guard: 2, VisitorPose: visitor, GuardPose: skeleton(far, far, 1)}, t0)
	sig := ev.Evaluate(Input{Visitor: 1, Guard: 2, VisitorPose: visitor}, t0.Add(100*time.Millisecond))
	assert.True(t, sig.HandToTorso)
	assert.False(t, sig.Reach, "no speed across two different skeletons")

	// The same owner on consecutive frames measures speed again.
	ev.Evaluate(Input{Visitor: 1, Guard: 2, VisitorPose: visitor, GuardPose: skeleton(far, far, 1)}, t0.Add(200*time.Millisecond))
	sig = ev.Evaluate(Input{Visitor: 1, Guard: 2, VisitorPose: visitor, GuardPose: skeleton(far, near, 1)}, t0.Add(300*time.Millisecond))
	assert.True(t, sig.Reach)
}

func TestReachNeedsSpeedAndAdjacentTouch(t *testing.T) {
	ev := NewEvaluator(testConfig())
	visitor := skeleton(far, far, 1)
	in := func(wrist [2]float64) Input {
		return Input{Visitor: 1, Guard: 2, VisitorPose: visitor, GuardPose: skeleton(far, wrist, 1)}
	}

	// Fast wrist far from the torso: no reach.
	ev.Evaluate(in([2]float64{0.20, 0.40}), t0)
	sig := ev.Evaluate(in([2]float64{0.30, 0.40}), t0.Add(100*time.Millisecond))
	assert.False(t, sig.Reach)

	// Fast wrist arriving on the torso: reach.
	sig = ev.Evaluate(in(near), t0.Add(200*time.Millisecond))
	assert.True(t, sig.HandToTorso)
	assert.True(t, sig.Reach)

	// Fast wrist leaving right after touching still counts.
	sig = ev.Evaluate(in([2]float64{0.65, 0.62}), t0.Add(300*time.Millisecond))
	assert.False(t, sig.HandToTorso)
	assert.True(t, sig.Reach)

	// Resting on the torso: no reach.
	ev.Evaluate(in(near), t0.Add(400*time.Millisecond))
	sig = ev.Evaluate(in(near), t0.Add(500*time.Millisecond))
	assert.True(t, sig.HandToTorso)
	assert.False(t, sig.Reach)
}

func TestHeuristicFallback(t *testing.T) {
	cfg := testConfig()
	ev := NewEvaluator(cfg)
	closing := func(d float64, at time.Duration) Signal {
		return ev.Evaluate(Input{Visitor: 1, Guard: 2, RawContact: d <= 0.35, Measured: true, CenterDistance: d}, t0.Add(at))
	}
	closing(0.60, 0)
	assert.Equal(t, Neutral(), closing(0.30, 100*time.Millisecond), "fallback is off by default")

	cfg.HeuristicFallback = true
	ev = NewEvaluator(cfg)
	closing(0.60, 0)
	sig := closing(0.30, 100*time.Millisecond)
	assert.True(t, sig.Reach)
	assert.True(t, sig.Degraded)
	assert.Equal(t, 0.3, sig.Confidence)
	assert.Equal(t, SourceHeuristic, sig.Source)

	// Standing still in contact is not a reach.
	assert.False(t, closing(0.30, 200*time.Millisecond).Reach)
}

func TestForgetTrack(t *testing.T) {
	ev := NewEvaluator(testConfig())
	ev.Evaluate(Input{Visitor: 1, Guard: 2, VisitorPose: skeleton(far, far, 1)}, t0)
	ev.Evaluate(Input{Visitor: 3, Guard: 2, VisitorPose: skeleton(far, far, 1)}, t0)
	ev.ForgetTrack(1)
	assert.Len(t, ev.prev, 1)
	ev.Reset()
	assert.Empty(t, ev.prev)
}

package pose

import (
	"math"
	"time"

	"github.com/banshee-data/gatecheck/internal/config"
	"github.com/banshee-data/gatecheck/internal/geom"
	"github.com/banshee-data/gatecheck/internal/monitoring"
)

var log = monitoring.Component("pose")

// Signal sources.
const (
	SourceNone      = ""
	SourceKeypoints = "keypoints"
	SourceHeuristic = "heuristic"
)

// heuristicConfidence is the confidence of a reach inferred from boxes.
const heuristicConfidence = 0.3

// Signal is the pose output for one visitor-guard pair on one frame.
type Signal struct {
	HandToTorso bool    `json:"hand_to_torso"`
	Reach       bool    `json:"reach"`
	Confidence  float64 `json:"confidence"`
	Degraded    bool    `json:"degraded,omitempty"`
	Source      string  `json:"source,omitempty"`
}

// Neutral is the signal returned when no pose information is available.
func Neutral() Signal { return Signal{} }

// Active reports whether either gesture is present.
func (s Signal) Active() bool { return s.HandToTorso || s.Reach }

// Config holds the pose thresholds.
type Config struct {
	Enabled           bool
	HandToTorsoThresh float64 // torso heights
	ReachVelocity     float64 // torso heights per second
	MinConfidence     float64
	HeuristicFallback bool
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Enabled:           cfg.GetUsePose(),
		HandToTorsoThresh: cfg.GetHandToTorsoThresh(),
		ReachVelocity:     cfg.GetReachVelocityThresh(),
		MinConfidence:     cfg.GetKeypointMinConfidence(),
		HeuristicFallback: cfg.GetHeuristicPoseFallback(),
	}
}

// Input is what the evaluator needs about one pair on one frame.
type Input struct {
	Visitor, Guard int64
	VisitorPose    Skeleton // nil when absent
	GuardPose      Skeleton // nil when absent
	// Box level facts for the heuristic fallback.
	RawContact     bool
	Measured       bool
	CenterDistance float64
}

type pairKey struct{ visitor, guard int64 }

type wristSample struct {
	geom.Point
	ok bool
}

// Wrist owners. Reach speed is only measured between frames whose wrists
// came from the same skeleton.
const (
	handNone = iota
	handGuard
	handVisitor
)

// memory is the previous frame of one pair.
type memory struct {
	at          time.Time
	hand        int
	wrists      [2]wristSample
	handToTorso bool
	dist        float64
	measured    bool
}

// Evaluator keeps the one-frame history reach detection needs.
type Evaluator struct {
	cfg  Config
	prev map[pairKey]memory
}

// NewEvaluator returns an Evaluator.
func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg, prev: make(map[pairKey]memory)}
}

// SetConfig swaps thresholds.
func (ev *Evaluator) SetConfig(cfg Config) {
	if cfg.Enabled != ev.cfg.Enabled {
		log.Diagf("pose signal enabled=%v", cfg.Enabled)
	}
	ev.cfg = cfg
}

// Reset forgets all pair history.
func (ev *Evaluator) Reset() {
	ev.prev = make(map[pairKey]memory)
}

// ForgetTrack drops history of pairs involving id.
func (ev *Evaluator) ForgetTrack(id int64) {
	for k := range ev.prev {
		if k.visitor == id || k.guard == id {
			delete(ev.prev, k)
		}
	}
}

// Evaluate returns the pose signal for one pair. It never fails: missing
// keypoints give a neutral or heuristic signal.
func (ev *Evaluator) Evaluate(in Input, now time.Time) Signal {
	if !ev.cfg.Enabled {
		return Neutral()
	}
	key := pairKey{in.Visitor, in.Guard}
	prev, hasPrev := ev.prev[key]
	var dt float64
	if hasPrev && now.After(prev.at) {
		dt = now.Sub(prev.at).Seconds()
	}
	next := memory{at: now, dist: in.CenterDistance, measured: in.Measured}

	sig := Neutral()
	if tor, ok := in.VisitorPose.torso(ev.cfg.MinConfidence); ok {
		hand, owner := in.GuardPose, handGuard
		if !hand.hasWrist(ev.cfg.MinConfidence) {
			hand, owner = in.VisitorPose, handVisitor
		}
		next.hand = owner
		sameHand := hasPrev && prev.hand == owner
		sig, next.wrists = ev.fromKeypoints(tor, hand, prev, sameHand, dt)
		next.handToTorso = sig.HandToTorso
	} else if ev.cfg.HeuristicFallback {
		sig = ev.heuristic(in, prev, hasPrev, dt)
	}

	ev.prev[key] = next
	if sig.Active() {
		log.Tracef("pose visitor=%d guard=%d hand=%v reach=%v conf=%.2f src=%s",
			in.Visitor, in.Guard, sig.HandToTorso, sig.Reach, sig.Confidence, sig.Source)
	}
	return sig
}

// fromKeypoints measures the wrists of hand against the visitor's torso.
// Distances and speeds are in torso heights. sameHand says prev holds wrists
// of the same skeleton.
func (ev *Evaluator) fromKeypoints(tor torso, hand Skeleton, prev memory, sameHand bool, dt float64) (Signal, [2]wristSample) {
	pts, conf, ok := hand.wrists(ev.cfg.MinConfidence)
	var cur [2]wristSample
	best := math.Inf(1)
	bestConf := 0.0
	var speed float64
	for i := range pts {
		if !ok[i] {
			continue
		}
		cur[i] = wristSample{Point: pts[i], ok: true}
		if d := pts[i].Dist(tor.center) / tor.height; d < best {
			best = d
			bestConf = conf[i]
		}
		if sameHand && dt > 0 && prev.wrists[i].ok {
			v := pts[i].Dist(prev.wrists[i].Point) / dt / tor.height
			speed = math.Max(speed, v)
		}
	}
	if math.IsInf(best, 1) {
		return Neutral(), cur
	}

	sig := Signal{Source: SourceKeypoints}
	sig.HandToTorso = best < ev.cfg.HandToTorsoThresh
	sig.Reach = speed > ev.cfg.ReachVelocity && (sig.HandToTorso || (sameHand && prev.handToTorso))
	if sig.Active() {
		sig.Confidence = math.Min(bestConf, tor.conf)
	}
	return sig, cur
}

// heuristic infers a reach from a raw box contact that is closing fast.
func (ev *Evaluator) heuristic(in Input, prev memory, hasPrev bool, dt float64) Signal {
	if !in.RawContact || !in.Measured || !hasPrev || !prev.measured || dt <= 0 {
		return Neutral()
	}
	closing := (prev.dist - in.CenterDistance) / dt
	if closing <= ev.cfg.ReachVelocity {
		return Neutral()
	}
	return Signal{Reach: true, Confidence: heuristicConfidence, Degraded: true, Source: SourceHeuristic}
}

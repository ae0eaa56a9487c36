package decision

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/gatecheck/internal/geom"
	"github.com/banshee-data/gatecheck/internal/state"
)

// thresholdEpsilon absorbs float summation error at the threshold.
const thresholdEpsilon = 1e-9

// Weights are the additive score parameters.
type Weights struct {
	Base         float64
	ContactBonus float64
	PoseBonus    float64
	ReidBonus    float64
	Threshold    float64
}

// ContactConfidence maps the closest observed distance and the largest
// observed overlap of an attempt to [0, 1]. Distances at or under scale give
// full confidence, falling to zero at twice the scale.
func ContactConfidence(minDist, maxIoU, scale, iouMin float64) float64 {
	var byDist, byIoU float64
	if scale > 0 && !math.IsInf(minDist, 1) {
		byDist = geom.Clamp01((2*scale - minDist) / scale)
	}
	if iouMin > 0 {
		byIoU = geom.Clamp01(maxIoU / iouMin)
	}
	return math.Max(byDist, byIoU)
}

// PersistenceFactor grows linearly with uninterrupted duration up to 1.
func PersistenceFactor(uninterrupted, full time.Duration) float64 {
	if full <= 0 {
		return 1
	}
	return geom.Clamp01(uninterrupted.Seconds() / full.Seconds())
}

// Score derives the breakdown of an attempt from its person state.
func Score(p *state.PersonState, uninterrupted time.Duration, cfg Config) state.ScoreBreakdown {
	w := cfg.Weights
	b := state.ScoreBreakdown{
		ContactConfidence: ContactConfidence(p.MinCenterDist, p.MaxIoU, cfg.CenterDistScale, cfg.IoUMin),
		PoseConfidence:    geom.Clamp01(p.MaxPoseConf),
		PersistenceFactor: PersistenceFactor(uninterrupted, cfg.PersistenceFull),
	}
	b.Base = w.Base
	b.Contact = w.ContactBonus * b.ContactConfidence
	b.Pose = w.PoseBonus * b.PoseConfidence
	b.Persistence = w.ReidBonus * b.PersistenceFactor
	b.Total = floats.Sum([]float64{b.Base, b.Contact, b.Pose, b.Persistence})
	return b
}

// MeetsThreshold reports whether total reaches threshold.
func MeetsThreshold(total, threshold float64) bool {
	return total >= threshold-thresholdEpsilon
}

package tracks

import (
	"time"

	"github.com/banshee-data/gatecheck/internal/geom"
)

// maxReidSizeRatio bounds how much the box area may differ between a lost
// track and its re-id candidate.
const maxReidSizeRatio = 2.0

// reidentify merges young tracks into lost tracks they most likely continue.
// A young track qualifies when it first appeared after the lost track was
// last seen, is itself younger than the re-id window, shares the role, has a
// similar size, and sits within ReidSpatialTol of the lost track's predicted
// center. The lost track keeps its id and the young identity is retired.
func (s *Store) reidentify(now time.Time, res *UpdateResult) {
	if s.cfg.ReidMergeTime <= 0 {
		return
	}
	ids := s.sortedIDs()
	for _, lid := range ids {
		lost, ok := s.tracks[lid]
		if !ok || lost.Status != StatusLost {
			continue
		}
		if now.Sub(lost.Reid.LastSeen) > s.cfg.ReidMergeTime {
			continue
		}
		pred := lost.Reid.PredictAt(now)

		var best *Track
		bestDist := s.cfg.ReidSpatialTol
		for _, yid := range ids {
			young, ok := s.tracks[yid]
			if !ok || yid <= lid || young.Status != StatusActive || !young.Observed {
				continue
			}
			if !young.FirstSeen.After(lost.Reid.LastSeen) || now.Sub(young.FirstSeen) > s.cfg.ReidMergeTime {
				continue
			}
			if young.Role != lost.Role || !similarSize(lost.Reid, young.Smoothed) {
				continue
			}
			if d := pred.Dist(young.Smoothed.Center()); d <= bestDist {
				best, bestDist = young, d
			}
		}
		if best == nil {
			continue
		}

		s.absorb(lost, best)
		res.Merged = append(res.Merged, Merge{From: best.ID, Into: lost.ID})
		res.Created = removeID(res.Created, best.ID)
		for i, id := range res.DetectionTracks {
			if id == best.ID {
				res.DetectionTracks[i] = lost.ID
			}
		}
		log.Diagf("re-id merge: track %d continues as %d (%.3f from prediction)", best.ID, lost.ID, bestDist)
	}
}

// absorb moves the kinematic state of young into lost and deletes young.
func (s *Store) absorb(lost, young *Track) {
	lost.Status = StatusActive
	lost.Box = young.Box
	lost.Smoothed = young.Smoothed
	lost.Velocity = young.Velocity
	lost.LastSeen = young.LastSeen
	lost.Misses = young.Misses
	lost.Observed = young.Observed
	lost.Weak = young.Weak
	lost.Reid = young.Reid
	lost.kf = young.kf
	delete(s.tracks, young.ID)
}

func similarSize(k ReidKey, b geom.Box) bool {
	a1 := k.Width * k.Height
	a2 := b.Area()
	if a1 <= 0 || a2 <= 0 {
		return false
	}
	r := a1 / a2
	return r <= maxReidSizeRatio && r >= 1/maxReidSizeRatio
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

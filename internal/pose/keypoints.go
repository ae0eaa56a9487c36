// Package pose derives hand-to-torso and reach signals from COCO-17
// keypoints. A missing or disabled pose source yields a neutral signal; the
// pose contribution to a decision is strictly optional.
package pose

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/gatecheck/internal/geom"
)

// COCO-17 keypoint indices used by the evaluator.
const (
	LeftShoulder  = 5
	RightShoulder = 6
	LeftWrist     = 9
	RightWrist    = 10
	LeftHip       = 11
	RightHip      = 12

	NumKeypoints = 17
)

// Keypoint is one detector keypoint in normalized image coordinates. On the
// wire it is a three element array [x, y, confidence].
type Keypoint struct {
	X, Y, Conf float64
}

// MarshalJSON encodes the keypoint as [x, y, confidence].
func (k Keypoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{k.X, k.Y, k.Conf})
}

// UnmarshalJSON decodes [x, y, confidence].
func (k *Keypoint) UnmarshalJSON(b []byte) error {
	var v []float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if len(v) != 3 {
		return fmt.Errorf("keypoint needs 3 values, got %d", len(v))
	}
	k.X, k.Y, k.Conf = v[0], v[1], v[2]
	return nil
}

// Point returns the keypoint position.
func (k Keypoint) Point() geom.Point { return geom.Point{X: k.X, Y: k.Y} }

// Skeleton is one person's keypoints in COCO-17 order. A short or nil
// skeleton is treated as missing points.
type Skeleton []Keypoint

// Keypoints is one skeleton from the detector, attached either to a track
// id or to the index of a detection in the same frame.
type Keypoints struct {
	TrackID   *int64   `json:"track_id,omitempty"`
	Detection *int     `json:"detection,omitempty"`
	Points    Skeleton `json:"points"`
}

func (s Skeleton) at(i int, minConf float64) (geom.Point, float64, bool) {
	if i >= len(s) {
		return geom.Point{}, 0, false
	}
	k := s[i]
	if !geom.Finite(k.X, k.Y, k.Conf) || k.Conf < minConf {
		return geom.Point{}, 0, false
	}
	return k.Point(), k.Conf, true
}

// torso is the torso center and height of a skeleton.
type torso struct {
	center geom.Point
	height float64
	conf   float64
}

// torso needs at least one shoulder and one hip above minConf.
func (s Skeleton) torso(minConf float64) (torso, bool) {
	shoulder, sc, okS := s.mid(LeftShoulder, RightShoulder, minConf)
	hip, hc, okH := s.mid(LeftHip, RightHip, minConf)
	if !okS || !okH {
		return torso{}, false
	}
	h := shoulder.Dist(hip)
	if h <= 0 {
		return torso{}, false
	}
	return torso{
		center: geom.Point{X: (shoulder.X + hip.X) / 2, Y: (shoulder.Y + hip.Y) / 2},
		height: h,
		conf:   (sc + hc) / 2,
	}, true
}

func (s Skeleton) mid(a, b int, minConf float64) (geom.Point, float64, bool) {
	pa, ca, okA := s.at(a, minConf)
	pb, cb, okB := s.at(b, minConf)
	switch {
	case okA && okB:
		return geom.Point{X: (pa.X + pb.X) / 2, Y: (pa.Y + pb.Y) / 2}, (ca + cb) / 2, true
	case okA:
		return pa, ca, true
	case okB:
		return pb, cb, true
	}
	return geom.Point{}, 0, false
}

// wrists returns the usable wrist positions, left then right.
func (s Skeleton) wrists(minConf float64) (pts [2]geom.Point, conf [2]float64, ok [2]bool) {
	for i, idx := range [2]int{LeftWrist, RightWrist} {
		pts[i], conf[i], ok[i] = s.at(idx, minConf)
	}
	return
}

func (s Skeleton) hasWrist(minConf float64) bool {
	_, _, ok := s.wrists(minConf)
	return ok[0] || ok[1]
}

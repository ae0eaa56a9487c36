package tracks

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Filter noise in normalized frame units. These are numerical tuning for
// the filter, not operator settings.
const (
	processNoisePos  = 1e-4
	processNoiseVel  = 5e-2
	measurementNoise = 2e-4
	initialPosVar    = 1e-3
	initialVelVar    = 0.25
	maxSpeed         = 2.0 // frame widths per second
)

// kalman is a constant-velocity filter over the box center with state
// [cx, cy, vx, vy]. Box size is smoothed separately.
type kalman struct {
	x *mat.VecDense
	p *mat.Dense
	h *mat.Dense
	r *mat.Dense
}

func newKalman(cx, cy float64) *kalman {
	k := &kalman{
		x: mat.NewVecDense(4, []float64{cx, cy, 0, 0}),
		h: mat.NewDense(2, 4, []float64{
			1, 0, 0, 0,
			0, 1, 0, 0,
		}),
		r: mat.NewDense(2, 2, []float64{
			measurementNoise, 0,
			0, measurementNoise,
		}),
	}
	k.resetCovariance()
	return k
}

func (k *kalman) resetCovariance() {
	k.p = mat.NewDense(4, 4, []float64{
		initialPosVar, 0, 0, 0,
		0, initialPosVar, 0, 0,
		0, 0, initialVelVar, 0,
		0, 0, 0, initialVelVar,
	})
}

// predict advances the state by dt seconds.
func (k *kalman) predict(dt float64) {
	if dt <= 0 {
		return
	}
	f := mat.NewDense(4, 4, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	var x mat.VecDense
	x.MulVec(f, k.x)
	k.x = &x

	var fp, fpft mat.Dense
	fp.Mul(f, k.p)
	fpft.Mul(&fp, f.T())
	q := mat.NewDiagDense(4, []float64{
		processNoisePos * dt, processNoisePos * dt,
		processNoiseVel * dt, processNoiseVel * dt,
	})
	fpft.Add(&fpft, q)
	k.p = &fpft
	k.clampVelocity()
}

// update folds a measured center into the state.
func (k *kalman) update(cx, cy float64) {
	z := mat.NewVecDense(2, []float64{cx, cy})
	var hx, y mat.VecDense
	hx.MulVec(k.h, k.x)
	y.SubVec(z, &hx)

	var hp, s mat.Dense
	hp.Mul(k.h, k.p)
	s.Mul(&hp, k.h.T())
	s.Add(&s, k.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		k.reset(cx, cy)
		return
	}
	var pht, gain mat.Dense
	pht.Mul(k.p, k.h.T())
	gain.Mul(&pht, &sInv)

	var correction, x mat.VecDense
	correction.MulVec(&gain, &y)
	x.AddVec(k.x, &correction)
	k.x = &x

	var kh, ikh, p mat.Dense
	kh.Mul(&gain, k.h)
	ikh.Sub(eye4(), &kh)
	p.Mul(&ikh, k.p)
	k.p = &p

	if !k.finite() {
		k.reset(cx, cy)
		return
	}
	k.clampVelocity()
}

// reset discards the filter history and restarts at the given center.
func (k *kalman) reset(cx, cy float64) {
	k.x = mat.NewVecDense(4, []float64{cx, cy, 0, 0})
	k.resetCovariance()
}

func (k *kalman) center() (float64, float64) {
	return k.x.AtVec(0), k.x.AtVec(1)
}

func (k *kalman) velocity() (float64, float64) {
	return k.x.AtVec(2), k.x.AtVec(3)
}

func (k *kalman) finite() bool {
	for i := 0; i < 4; i++ {
		v := k.x.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		d := k.p.At(i, i)
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return false
		}
	}
	return true
}

func (k *kalman) clampVelocity() {
	vx, vy := k.velocity()
	speed := math.Hypot(vx, vy)
	if speed > maxSpeed {
		scale := maxSpeed / speed
		k.x.SetVec(2, vx*scale)
		k.x.SetVec(3, vy*scale)
	}
}

func eye4() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

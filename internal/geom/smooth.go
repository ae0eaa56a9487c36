package geom

// SmoothBox applies one exponential moving average step to a box trajectory.
// alpha is the weight of the new observation: 1 keeps cur unchanged, smaller
// values pull harder towards prev. Out-of-range alpha is clamped to [0, 1].
func SmoothBox(prev, cur Box, alpha float64) Box {
	a := Clamp01(alpha)
	return Box{
		X1: prev.X1 + a*(cur.X1-prev.X1),
		Y1: prev.Y1 + a*(cur.Y1-prev.Y1),
		X2: prev.X2 + a*(cur.X2-prev.X2),
		Y2: prev.Y2 + a*(cur.Y2-prev.Y2),
	}
}

// Package testutil provides shared test fixtures for gate scenes and HTTP
// handlers.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/gatecheck/internal/config"
	"github.com/banshee-data/gatecheck/internal/geom"
)

// Epoch is the fixed start time used by scene tests.
var Epoch = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

// Standard box size for a standing person in normalized coordinates.
const (
	PersonWidth  = 0.08
	PersonHeight = 0.30
)

// Canonical positions inside and outside the zones returned by Zones.
var (
	InGateArea    = geom.Point{X: 0.45, Y: 0.80}
	InGuardPost   = geom.Point{X: 0.85, Y: 0.80}
	BesideVisitor = geom.Point{X: 0.55, Y: 0.80} // in the gate area, within contact of InGateArea
	Outside       = geom.Point{X: 0.10, Y: 0.50}
)

// Zones returns a gate area on the left and a guard anchor to its right.
func Zones() []config.ZoneConfig {
	return []config.ZoneConfig{
		{Name: "checkpoint", Type: config.ZoneGateArea, Points: [][]float64{{0.30, 0.40}, {0.70, 0.40}, {0.70, 0.95}, {0.30, 0.95}}},
		{Name: "guard_post", Type: config.ZoneGuardAnchor, Points: [][]float64{{0.75, 0.40}, {0.98, 0.40}, {0.98, 0.95}, {0.75, 0.95}}},
	}
}

// PersonAt returns a person box whose bottom-center anchor is at foot.
func PersonAt(foot geom.Point) geom.Box {
	return geom.Box{
		X1: foot.X - PersonWidth/2,
		Y1: foot.Y - PersonHeight,
		X2: foot.X + PersonWidth/2,
		Y2: foot.Y,
	}
}

// Frames returns n timestamps starting at Epoch at the given frame rate.
func Frames(fps float64, n int) []time.Time {
	step := time.Duration(float64(time.Second) / fps)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = Epoch.Add(time.Duration(i) * step)
	}
	return out
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

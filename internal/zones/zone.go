package zones

import (
	"fmt"

	"github.com/banshee-data/gatecheck/internal/config"
	"github.com/banshee-data/gatecheck/internal/geom"
	"github.com/banshee-data/gatecheck/internal/monitoring"
	"github.com/banshee-data/gatecheck/internal/tracks"
)

var log = monitoring.Component("zones")

// ErrInvalidPolygon marks a zone that was disabled at load.
var ErrInvalidPolygon = geom.ErrInvalidPolygon

// Zone is one loaded polygon. A disabled zone never contains anything.
type Zone struct {
	Name    string       `json:"name"`
	Type    string       `json:"type"`
	Polygon geom.Polygon `json:"polygon"`
	Enabled bool         `json:"enabled"`
	Err     string       `json:"error,omitempty"`

	outer geom.Polygon
}

// Set is the immutable collection of zones for one gate.
type Set struct {
	zones   []Zone
	enabled map[string]bool
}

// Load builds a Set from config. Bad polygons and unknown types are disabled
// and logged rather than failing the load. exitMargin > 0 adds an inflated
// polygon used to decide when a track that is inside has left.
func Load(cfgs []config.ZoneConfig, exitMargin float64) *Set {
	s := &Set{enabled: make(map[string]bool)}
	for i, zc := range cfgs {
		z := Zone{Name: zc.Name, Type: zc.Type}
		if z.Name == "" {
			z.Name = fmt.Sprintf("zone-%d", i)
		}
		poly, err := parsePolygon(zc)
		if err == nil {
			err = poly.Validate()
		}
		if err == nil && zc.Type != config.ZoneGateArea && zc.Type != config.ZoneGuardAnchor {
			err = fmt.Errorf("%w: unknown zone type %q", ErrInvalidPolygon, zc.Type)
		}
		if err != nil {
			z.Err = err.Error()
			log.Opsf("zone %q disabled: %v", z.Name, err)
		} else {
			z.Polygon = poly
			z.Enabled = true
			z.outer = poly.Offset(exitMargin)
			s.enabled[z.Type] = true
		}
		s.zones = append(s.zones, z)
	}
	for _, typ := range []string{config.ZoneGateArea, config.ZoneGuardAnchor} {
		if !s.enabled[typ] {
			log.Opsf("no usable %s zone: %s checks disabled", typ, typ)
		}
	}
	return s
}

func parsePolygon(zc config.ZoneConfig) (geom.Polygon, error) {
	poly := make(geom.Polygon, 0, len(zc.Points))
	for i, p := range zc.Points {
		if len(p) != 2 {
			return nil, fmt.Errorf("%w: point %d has %d coordinates", ErrInvalidPolygon, i, len(p))
		}
		poly = append(poly, geom.Point{X: p[0], Y: p[1]})
	}
	return poly, nil
}

// Zones returns a copy of the loaded zones.
func (s *Set) Zones() []Zone {
	return append([]Zone(nil), s.zones...)
}

// Enabled reports whether at least one zone of the type is usable.
func (s *Set) Enabled(typ string) bool {
	return s.enabled[typ]
}

// Contains reports whether pt is inside any enabled zone of the type. When
// wasInside is true the exit-margin polygon is used instead, so a track
// hovering on the boundary does not flicker out.
func (s *Set) Contains(typ string, pt geom.Point, wasInside bool) bool {
	for _, z := range s.zones {
		if !z.Enabled || z.Type != typ {
			continue
		}
		poly := z.Polygon
		if wasInside && len(z.outer) > 0 {
			poly = z.outer
		}
		if poly.Contains(pt) {
			return true
		}
	}
	return false
}

// Classify is a tracks.Classifier: a generic detection whose anchor is in the
// guard anchor zone is a guard, anything else is left to the default.
func (s *Set) Classify(d tracks.Detection) tracks.Role {
	if s.Contains(config.ZoneGuardAnchor, d.Box.Anchor(), false) {
		return tracks.RoleGuard
	}
	return tracks.RoleUnknown
}

// EffectiveMode returns the qualification mode to use given which zone types
// are usable. A mode that depends only on a disabled zone type falls back to
// the other type.
func (s *Set) EffectiveMode(mode string) string {
	switch mode {
	case config.GuardModeAnchorOnly:
		if !s.Enabled(config.ZoneGuardAnchor) && s.Enabled(config.ZoneGateArea) {
			return config.GuardModeGateAreaOnly
		}
	case config.GuardModeGateAreaOnly:
		if !s.Enabled(config.ZoneGateArea) && s.Enabled(config.ZoneGuardAnchor) {
			return config.GuardModeAnchorOnly
		}
	}
	return mode
}

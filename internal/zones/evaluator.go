package zones

import (
	"sort"
	"time"

	"github.com/banshee-data/gatecheck/internal/config"
	"github.com/banshee-data/gatecheck/internal/geom"
	"github.com/banshee-data/gatecheck/internal/state"
	"github.com/banshee-data/gatecheck/internal/tracks"
)

// Config holds the evaluator thresholds.
type Config struct {
	CenterDistScale        float64
	IoUMin                 float64
	ContactDebounce        time.Duration
	GuardMode              string
	AnchorRequiredFraction float64
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		CenterDistScale:        cfg.GetCenterDistScale(),
		IoUMin:                 cfg.GetIoUMin(),
		ContactDebounce:        cfg.GetContactDebounce(),
		GuardMode:              cfg.GetGuardAnchorMode(),
		AnchorRequiredFraction: cfg.GetAnchorRequiredFraction(),
	}
}

// PairKey identifies a visitor-guard pair.
type PairKey struct {
	Visitor int64 `json:"visitor"`
	Guard   int64 `json:"guard"`
}

// Proximity is the per-frame contact state of one visitor-guard pair.
type Proximity struct {
	PairKey
	CenterDistance float64 `json:"center_distance"`
	IoU            float64 `json:"iou"`
	// Measured is false when either track was not observed this frame; the
	// distance fields are then stale and Raw is false.
	Measured bool `json:"measured"`
	Raw      bool `json:"raw"`
	Contact  bool `json:"contact"` // debounced
	Changed  bool `json:"changed"` // Contact flipped this frame
	// Removed is set when one of the tracks left the table; Contact is then
	// false and Changed reports whether contact was open.
	Removed bool `json:"removed,omitempty"`
}

// Frame is the evaluator output for one frame.
type Frame struct {
	Dt    time.Duration
	Mode  string
	Pairs []Proximity
}

// Pair returns the proximity for a pair, if evaluated.
func (f Frame) Pair(visitor, guard int64) (Proximity, bool) {
	for _, p := range f.Pairs {
		if p.Visitor == visitor && p.Guard == guard {
			return p, true
		}
	}
	return Proximity{}, false
}

// Evaluator is the Zone & Proximity Evaluator for one gate.
type Evaluator struct {
	cfg       Config
	zones     *Set
	contacts  map[PairKey]state.Debounce
	lastFrame time.Time
}

// NewEvaluator returns an Evaluator over a loaded zone set.
func NewEvaluator(cfg Config, zones *Set) *Evaluator {
	ev := &Evaluator{contacts: make(map[PairKey]state.Debounce)}
	ev.SetConfig(cfg, zones)
	return ev
}

// SetConfig swaps thresholds and zones. Contact debounce state is kept.
func (ev *Evaluator) SetConfig(cfg Config, zones *Set) {
	ev.cfg = cfg
	ev.zones = zones
	if eff := zones.EffectiveMode(cfg.GuardMode); eff != cfg.GuardMode {
		log.Opsf("guard mode %s needs a disabled zone, using %s", cfg.GuardMode, eff)
	}
}

// Zones returns the zone set in use.
func (ev *Evaluator) Zones() *Set { return ev.zones }

// Mode returns the effective guard qualification mode.
func (ev *Evaluator) Mode() string {
	return ev.zones.EffectiveMode(ev.cfg.GuardMode)
}

// Reset forgets contact state and the frame clock.
func (ev *Evaluator) Reset() {
	ev.contacts = make(map[PairKey]state.Debounce)
	ev.lastFrame = time.Time{}
}

// ForgetTrack drops contact state of every pair involving id without
// reporting it.
func (ev *Evaluator) ForgetTrack(id int64) {
	for k := range ev.contacts {
		if k.Visitor == id || k.Guard == id {
			delete(ev.contacts, k)
		}
	}
}

// Evaluate updates zone membership and dwell on every entity of tbl and
// returns per-pair proximity. Entities are created in their role state the
// first time they are observed inside a zone.
func (ev *Evaluator) Evaluate(tbl *state.Table, now time.Time) Frame {
	var dt time.Duration
	if !ev.lastFrame.IsZero() && now.After(ev.lastFrame) {
		dt = now.Sub(ev.lastFrame)
	}
	ev.lastFrame = now
	mode := ev.Mode()

	for _, id := range tbl.IDs() {
		e, _ := tbl.Get(id)
		ev.updatePresence(e, dt, now)
		if e.Guard != nil {
			e.Guard.Qualified = ev.qualified(e, mode, now)
		}
	}

	frame := Frame{Dt: dt, Mode: mode}
	seen := make(map[PairKey]bool)
	for _, v := range tbl.ByRole(tracks.RoleVisitor) {
		if v.Person == nil {
			continue
		}
		for _, g := range tbl.ByRole(tracks.RoleGuard) {
			if g.Guard == nil {
				continue
			}
			key := PairKey{Visitor: v.TrackID, Guard: g.TrackID}
			seen[key] = true
			frame.Pairs = append(frame.Pairs, ev.proximity(key, v.Track, g.Track, dt))
		}
	}

	// Pairs whose tracks are gone close their contact.
	var gone []PairKey
	for k := range ev.contacts {
		if !seen[k] {
			gone = append(gone, k)
		}
	}
	sort.Slice(gone, func(i, j int) bool {
		if gone[i].Visitor != gone[j].Visitor {
			return gone[i].Visitor < gone[j].Visitor
		}
		return gone[i].Guard < gone[j].Guard
	})
	for _, k := range gone {
		d := ev.contacts[k]
		delete(ev.contacts, k)
		if d.Stable {
			frame.Pairs = append(frame.Pairs, Proximity{PairKey: k, Changed: true, Removed: true})
		}
	}
	return frame
}

func (ev *Evaluator) updatePresence(e *state.Entity, dt time.Duration, now time.Time) {
	snap := e.Track
	observed := snap.Observed && snap.Status == tracks.StatusActive
	pres := e.Presence()
	if !observed {
		if pres != nil {
			pres.Observed = false
		}
		return
	}

	anchor := snap.Smoothed.Anchor()
	var wasGA, wasAnchor bool
	if pres != nil {
		wasGA, wasAnchor = pres.InGA, pres.InAnchor
	}
	inGA := ev.zones.Contains(config.ZoneGateArea, anchor, wasGA)
	inAnchor := ev.zones.Contains(config.ZoneGuardAnchor, anchor, wasAnchor)

	if pres == nil {
		if !inGA && !inAnchor {
			return
		}
		e.EnsureRoleState(now)
		pres = e.Presence()
	}

	if pres.Observed {
		if wasGA && inGA {
			pres.DwellGA += dt
		}
		if wasAnchor && inAnchor {
			pres.DwellAnchor += dt
		}
	}
	pres.InGA = inGA
	pres.InAnchor = inAnchor
	pres.Observed = true
}

func (ev *Evaluator) qualified(e *state.Entity, mode string, now time.Time) bool {
	since := now.Sub(e.Guard.Since)
	if since <= 0 {
		return false
	}
	anchorFrac := fraction(e.Guard.DwellAnchor, since)
	gaFrac := fraction(e.Guard.DwellGA, since)
	req := ev.cfg.AnchorRequiredFraction
	switch mode {
	case config.GuardModeAnchorOnly:
		return anchorFrac >= req
	case config.GuardModeGateAreaOnly:
		return gaFrac >= req
	default:
		return anchorFrac >= req || gaFrac >= req
	}
}

func fraction(dwell, since time.Duration) float64 {
	return geom.Clamp01(dwell.Seconds() / since.Seconds())
}

func (ev *Evaluator) proximity(key PairKey, v, g tracks.Snapshot, dt time.Duration) Proximity {
	p := Proximity{PairKey: key}
	d := ev.contacts[key]
	lost := v.Status != tracks.StatusActive || g.Status != tracks.StatusActive
	switch {
	case lost:
		// Beyond grace the pair is treated as apart.
		d, p.Changed = d.Step(false, dt, ev.cfg.ContactDebounce)
	case v.Observed && g.Observed:
		p.Measured = true
		p.CenterDistance = geom.CenterDistance(v.Smoothed, g.Smoothed)
		p.IoU = geom.IoU(v.Smoothed, g.Smoothed)
		p.Raw = p.CenterDistance <= ev.cfg.CenterDistScale || p.IoU >= ev.cfg.IoUMin
		d, p.Changed = d.Step(p.Raw, dt, ev.cfg.ContactDebounce)
	default:
		// Occluded within grace: hold the debounce as is.
	}
	p.Contact = d.Stable
	ev.contacts[key] = d
	return p
}

// RelevantGuardDwell is the guard dwell compared against guard_min_dwell_s
// under the given mode.
func RelevantGuardDwell(g *state.GuardState, mode string) time.Duration {
	switch mode {
	case config.GuardModeAnchorOnly:
		return g.DwellAnchor
	case config.GuardModeGateAreaOnly:
		return g.DwellGA
	default:
		if g.DwellAnchor > g.DwellGA {
			return g.DwellAnchor
		}
		return g.DwellGA
	}
}

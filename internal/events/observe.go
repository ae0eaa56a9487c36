package events

import (
	"sort"
	"time"

	"github.com/banshee-data/gatecheck/internal/config"
	"github.com/banshee-data/gatecheck/internal/pose"
	"github.com/banshee-data/gatecheck/internal/state"
	"github.com/banshee-data/gatecheck/internal/tracks"
	"github.com/banshee-data/gatecheck/internal/zones"
)

// Observation is what the log needs to know about one frame.
type Observation struct {
	Now    time.Time
	Tracks tracks.UpdateResult
	Table  *state.Table
	Zones  zones.Frame
	Pose   map[zones.PairKey]pose.Signal
}

// Observe emits the micro-events for one frame's perception deltas and
// updates the session lifecycle: abandonment of removed tracks, timeouts,
// then opening new sessions. It returns the events emitted by this call.
func (l *Log) Observe(obs Observation) []MicroEvent {
	start := len(l.pending)
	l.trackEvents(obs)
	l.membershipEvents(obs)
	l.contactEvents(obs)
	l.poseEvents(obs)
	l.expire(obs.Table, obs.Now)
	l.openSessions(obs)
	return append([]MicroEvent(nil), l.pending[start:]...)
}

func (l *Log) trackEvents(obs Observation) {
	now := obs.Now
	res := obs.Tracks
	roles := make(map[int64]tracks.Role, len(res.Tracks))
	for _, s := range res.Tracks {
		roles[s.ID] = s.Role
	}
	for _, id := range res.Created {
		l.Emit(TrackCreated, id, nil, now, "", map[string]any{"role": roles[id].String()})
	}
	for _, r := range res.Reacquired {
		l.Emit(TrackReacquired, r.ID, nil, now, "", map[string]any{"gap_s": r.Gap.Seconds()})
	}
	for _, id := range res.Lost {
		l.Emit(TrackLost, id, nil, now, "", nil)
	}
	for _, m := range res.Merged {
		l.Emit(TrackMerged, m.Into, ptr(m.From), now, "", nil)
		l.CloseTrack(m.From, StatusAbandoned, "track_merged", now)
		l.ForgetTrack(m.From)
	}
	for _, id := range res.Destroyed {
		l.Emit(TrackDestroyed, id, nil, now, "", nil)
		l.CloseTrack(id, StatusAbandoned, "track_destroyed", now)
		l.ForgetTrack(id)
	}
}

func (l *Log) membershipEvents(obs Observation) {
	now := obs.Now
	for _, id := range obs.Table.IDs() {
		e, _ := obs.Table.Get(id)
		prev := l.views[id]
		var cur view
		switch {
		case e.Person != nil:
			cur.inGA = e.Person.InGA
			if cur.inGA != prev.inGA {
				l.Emit(pick(cur.inGA, PersonEnteredGA, PersonLeftGA), id, nil, now, l.sessionOf(id), dwellPayload(e.Person.Presence))
			}
		case e.Guard != nil:
			cur = view{inGA: e.Guard.InGA, inAnchor: e.Guard.InAnchor, qualified: e.Guard.Qualified}
			if cur.inAnchor != prev.inAnchor {
				l.Emit(pick(cur.inAnchor, GuardEnteredAnchor, GuardLeftAnchor), id, nil, now, "", dwellPayload(e.Guard.Presence))
			}
			if cur.inGA != prev.inGA {
				l.Emit(pick(cur.inGA, GuardEnteredGA, GuardLeftGA), id, nil, now, "", dwellPayload(e.Guard.Presence))
			}
			if cur.qualified != prev.qualified {
				if cur.qualified {
					l.qualifiedAt[id] = now
				} else {
					delete(l.qualifiedAt, id)
				}
				l.Emit(pick(cur.qualified, GuardQualified, GuardDisqualified), id, nil, now, "", dwellPayload(e.Guard.Presence))
			}
		default:
			continue
		}
		l.views[id] = cur
	}
}

func dwellPayload(p state.Presence) map[string]any {
	return map[string]any{
		"dwell_ga_s":     p.DwellGA.Seconds(),
		"dwell_anchor_s": p.DwellAnchor.Seconds(),
	}
}

func pick(cond bool, yes, no Type) Type {
	if cond {
		return yes
	}
	return no
}

func (l *Log) sessionOf(visitor int64) string {
	return l.byVisitor[visitor]
}

func (l *Log) pairSession(visitor, guard int64) string {
	return l.byPair[PairKey{visitor, guard}]
}

func (l *Log) contactEvents(obs Observation) {
	for _, p := range obs.Zones.Pairs {
		if !p.Changed {
			continue
		}
		payload := map[string]any{}
		if p.Measured {
			payload["center_distance"] = p.CenterDistance
			payload["iou"] = p.IoU
		}
		if p.Removed {
			payload["reason"] = "track_removed"
		}
		l.Emit(pick(p.Contact, ContactStarted, ContactEnded), p.Visitor, ptr(p.Guard), obs.Now, l.pairSession(p.Visitor, p.Guard), payload)
	}
}

func (l *Log) poseEvents(obs Observation) {
	keys := make([]zones.PairKey, 0, len(obs.Pose))
	for k := range obs.Pose {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Visitor != keys[j].Visitor {
			return keys[i].Visitor < keys[j].Visitor
		}
		return keys[i].Guard < keys[j].Guard
	})
	for _, k := range keys {
		sig := obs.Pose[k]
		pk := PairKey{k.Visitor, k.Guard}
		prev := l.poses[pk]
		payload := map[string]any{"confidence": sig.Confidence, "source": sig.Source}
		if sig.Degraded {
			payload["degraded"] = true
		}
		if sig.HandToTorso && !prev.handToTorso {
			l.Emit(PoseHandToTorso, k.Visitor, ptr(k.Guard), obs.Now, l.pairSession(k.Visitor, k.Guard), payload)
		}
		if sig.Reach && !prev.reach {
			l.Emit(PoseReach, k.Visitor, ptr(k.Guard), obs.Now, l.pairSession(k.Visitor, k.Guard), payload)
		}
		l.poses[pk] = poseView{handToTorso: sig.HandToTorso, reach: sig.Reach}
	}
}

// expire closes sessions older than the session timeout and disarms their
// visitors until they leave the gate area.
func (l *Log) expire(tbl *state.Table, now time.Time) {
	if l.cfg.SessionTimeout <= 0 {
		return
	}
	for _, sid := range l.activeIDs() {
		s := l.sessions[sid]
		if now.Sub(s.Start) < l.cfg.SessionTimeout {
			continue
		}
		l.Close(sid, StatusTimedOut, "session_timeout", nil, now)
		if v, ok := tbl.Get(s.Visitor); ok && v.Person != nil {
			v.Person.Armed = false
		}
	}
}

// openSessions opens a session for every armed visitor in the gate area that
// has none, when a qualified guard is present.
func (l *Log) openSessions(obs Observation) {
	var guards []*state.Entity
	for _, g := range obs.Table.ByRole(tracks.RoleGuard) {
		if g.Guard != nil && g.Guard.Qualified && g.Track.Status == tracks.StatusActive {
			guards = append(guards, g)
		}
	}
	if len(guards) == 0 {
		return
	}
	for _, v := range obs.Table.ByRole(tracks.RoleVisitor) {
		p := v.Person
		if p == nil || !p.InGA || !p.Armed || v.Track.Status != tracks.StatusActive {
			continue
		}
		if _, busy := l.byVisitor[v.TrackID]; busy {
			continue
		}
		g := l.selectGuard(v.TrackID, guards, obs.Zones)
		l.Open(v.TrackID, g.TrackID, obs.Now, map[string]any{
			"selection":  l.cfg.GuardSelection,
			"dwell_ga_s": p.DwellGA.Seconds(),
		})
	}
}

// selectGuard picks among qualified guards: the earliest qualified, or the
// nearest measured one, ties broken by the lower id.
func (l *Log) selectGuard(visitor int64, guards []*state.Entity, frame zones.Frame) *state.Entity {
	best := guards[0]
	if l.cfg.GuardSelection == config.GuardSelectNearest {
		bestDist := -1.0
		for _, g := range guards {
			p, ok := frame.Pair(visitor, g.TrackID)
			if !ok || !p.Measured {
				continue
			}
			if bestDist < 0 || p.CenterDistance < bestDist {
				best, bestDist = g, p.CenterDistance
			}
		}
		if bestDist >= 0 {
			return best
		}
	}
	for _, g := range guards[1:] {
		if l.qualifiedBefore(g.TrackID, best.TrackID) {
			best = g
		}
	}
	return best
}

func (l *Log) qualifiedBefore(a, b int64) bool {
	ta, okA := l.qualifiedAt[a]
	tb, okB := l.qualifiedAt[b]
	switch {
	case okA && okB:
		return ta.Before(tb)
	case okA:
		return true
	}
	return false
}

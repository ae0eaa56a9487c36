package events

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/gatecheck/internal/config"
	"github.com/banshee-data/gatecheck/internal/monitoring"
	"github.com/banshee-data/gatecheck/internal/state"
)

var log = monitoring.Component("events")

// sessionNamespace seeds deterministic session ids.
var sessionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://banshee-data.com/gatecheck/session"))

// SessionID derives the session id from the gate, pair and start time.
func SessionID(gateID string, visitor, guard int64, start time.Time) string {
	name := fmt.Sprintf("%s/%d/%d/%d", gateID, visitor, guard, start.UnixNano())
	return uuid.NewSHA1(sessionNamespace, []byte(name)).String()
}

// Config holds the event log settings.
type Config struct {
	SessionTimeout    time.Duration
	GuardSelection    string
	EventRetention    int
	MaxClosedSessions int
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		SessionTimeout:    cfg.GetSessionTimeout(),
		GuardSelection:    cfg.GetGuardSelection(),
		EventRetention:    cfg.GetEventRetention(),
		MaxClosedSessions: cfg.GetMaxClosedSessions(),
	}
}

// view is the last emitted membership of one entity.
type view struct {
	inGA, inAnchor, qualified bool
}

// poseView is the last emitted pose state of one pair.
type poseView struct {
	handToTorso, reach bool
}

// Log is the append-only micro-event log and session table of one gate. It
// is owned by a single pipeline and is not safe for concurrent use.
type Log struct {
	gateID string
	cfg    Config

	seq      int64
	retained []MicroEvent
	pending  []MicroEvent
	touched  []string // session ids changed since the last Flush

	sessions  map[string]*Session
	byPair    map[PairKey]string
	byVisitor map[int64]string
	closed    []string

	views       map[int64]view
	poses       map[PairKey]poseView
	qualifiedAt map[int64]time.Time
}

// NewLog returns an empty Log for a gate.
func NewLog(gateID string, cfg Config) *Log {
	l := &Log{gateID: gateID, cfg: cfg}
	l.clear()
	return l
}

func (l *Log) clear() {
	l.sessions = make(map[string]*Session)
	l.byPair = make(map[PairKey]string)
	l.byVisitor = make(map[int64]string)
	l.closed = nil
	l.views = make(map[int64]view)
	l.poses = make(map[PairKey]poseView)
	l.qualifiedAt = make(map[int64]time.Time)
}

// SetConfig swaps settings. Retention shrinks lazily on the next append.
func (l *Log) SetConfig(cfg Config) { l.cfg = cfg }

// GateID returns the gate this log belongs to.
func (l *Log) GateID() string { return l.gateID }

// Emit appends one event and returns it.
func (l *Log) Emit(typ Type, track int64, secondary *int64, now time.Time, sessionID string, payload map[string]any) MicroEvent {
	l.seq++
	ev := MicroEvent{
		Seq:         l.seq,
		GateID:      l.gateID,
		Type:        typ,
		TrackID:     track,
		SecondaryID: secondary,
		Timestamp:   now,
		SessionID:   sessionID,
		Payload:     payload,
	}
	l.pending = append(l.pending, ev)
	l.retained = append(l.retained, ev)
	// Compact once the buffer holds twice the retention window.
	if n := l.cfg.EventRetention; n > 0 && len(l.retained) >= 2*n {
		l.retained = append([]MicroEvent(nil), l.retained[len(l.retained)-n:]...)
	}
	log.Tracef("gate=%s seq=%d %s track=%d", l.gateID, ev.Seq, ev.Type, ev.TrackID)
	return ev
}

// Flush returns the events appended and the sessions changed since the
// previous Flush.
func (l *Log) Flush() ([]MicroEvent, []Session) {
	evs := l.pending
	l.pending = nil
	var sessions []Session
	seen := make(map[string]bool, len(l.touched))
	for _, id := range l.touched {
		if seen[id] {
			continue
		}
		seen[id] = true
		if s, ok := l.sessions[id]; ok {
			sessions = append(sessions, *s)
		}
	}
	l.touched = nil
	return evs, sessions
}

// Events returns the retained events, oldest first.
func (l *Log) Events() []MicroEvent {
	evs := l.retained
	if n := l.cfg.EventRetention; n > 0 && len(evs) > n {
		evs = evs[len(evs)-n:]
	}
	return append([]MicroEvent(nil), evs...)
}

// LastSeq returns the sequence number of the newest event.
func (l *Log) LastSeq() int64 { return l.seq }

// Session returns a session by id.
func (l *Log) Session(id string) (Session, bool) {
	s, ok := l.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sessions returns all retained sessions ordered by start time.
func (l *Log) Sessions() []Session {
	out := make([]Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveFor returns the active session of a visitor.
func (l *Log) ActiveFor(visitor int64) (Session, bool) {
	id, ok := l.byVisitor[visitor]
	if !ok {
		return Session{}, false
	}
	return *l.sessions[id], true
}

// ActiveForPair returns the active session of a visitor-guard pair.
func (l *Log) ActiveForPair(visitor, guard int64) (Session, bool) {
	id, ok := l.byPair[PairKey{visitor, guard}]
	if !ok {
		return Session{}, false
	}
	return *l.sessions[id], true
}

// ActiveCount returns the number of active sessions.
func (l *Log) ActiveCount() int { return len(l.byPair) }

// Open starts a session for a pair. It returns the existing session when the
// visitor already has one.
func (l *Log) Open(visitor, guard int64, now time.Time, payload map[string]any) Session {
	if s, ok := l.ActiveFor(visitor); ok {
		return s
	}
	s := &Session{
		ID:      SessionID(l.gateID, visitor, guard, now),
		GateID:  l.gateID,
		Visitor: visitor,
		Guard:   guard,
		Start:   now,
		Status:  StatusActive,
	}
	l.sessions[s.ID] = s
	l.byPair[PairKey{visitor, guard}] = s.ID
	l.byVisitor[visitor] = s.ID
	l.touched = append(l.touched, s.ID)
	l.Emit(SessionOpened, visitor, ptr(guard), now, s.ID, payload)
	log.With(logrus.Fields{"gate": l.gateID, "session": s.ID, "visitor": visitor, "guard": guard}).
		Diagf("session opened")
	return *s
}

// Close ends an active session with a terminal status. Closing an unknown
// or already closed session is a no-op that returns false.
func (l *Log) Close(id string, status Status, reason string, score *state.ScoreBreakdown, now time.Time) bool {
	s, ok := l.sessions[id]
	if !ok || !s.Active() || status == StatusActive {
		return false
	}
	end := now
	s.End = &end
	s.Status = status
	s.Reason = reason
	if score != nil {
		sc := *score
		s.Score = &sc
	}
	delete(l.byPair, PairKey{s.Visitor, s.Guard})
	delete(l.byVisitor, s.Visitor)
	l.touched = append(l.touched, s.ID)

	payload := map[string]any{"reason": reason, "duration_s": now.Sub(s.Start).Seconds()}
	if s.Score != nil {
		payload["score"] = s.Score.Total
	}
	l.Emit(terminalEvent[status], s.Visitor, ptr(s.Guard), now, s.ID, payload)
	log.With(logrus.Fields{"gate": l.gateID, "session": s.ID, "visitor": s.Visitor, "guard": s.Guard}).
		Diagf("session %s: %s", status, reason)

	l.closed = append(l.closed, s.ID)
	if n := l.cfg.MaxClosedSessions; n > 0 {
		for len(l.closed) > n {
			delete(l.sessions, l.closed[0])
			l.closed = l.closed[1:]
		}
	}
	return true
}

// Complete closes a session as completed with its final score.
func (l *Log) Complete(id string, score state.ScoreBreakdown, now time.Time) bool {
	return l.Close(id, StatusCompleted, "score_threshold", &score, now)
}

// CloseTrack closes every active session that involves id.
func (l *Log) CloseTrack(id int64, status Status, reason string, now time.Time) []Session {
	var out []Session
	for _, sid := range l.activeIDs() {
		s := l.sessions[sid]
		if s.Visitor != id && s.Guard != id {
			continue
		}
		if l.Close(sid, status, reason, nil, now) {
			out = append(out, *s)
		}
	}
	return out
}

// Cancel closes the sessions of the given tracks as cancelled and forgets
// their emitted state. With no ids every session is cancelled.
func (l *Log) Cancel(now time.Time, ids ...int64) []Session {
	if len(ids) == 0 {
		var out []Session
		for _, sid := range l.activeIDs() {
			s := l.sessions[sid]
			if l.Close(sid, StatusCancelled, "operator_reset", nil, now) {
				out = append(out, *s)
			}
		}
		l.views = make(map[int64]view)
		l.poses = make(map[PairKey]poseView)
		l.qualifiedAt = make(map[int64]time.Time)
		return out
	}
	var out []Session
	for _, id := range ids {
		out = append(out, l.CloseTrack(id, StatusCancelled, "operator_reset", now)...)
		l.ForgetTrack(id)
	}
	return out
}

// ForgetTrack drops the emitted membership and pose state of a track so its
// next zone entry is reported again.
func (l *Log) ForgetTrack(id int64) {
	delete(l.views, id)
	delete(l.qualifiedAt, id)
	for k := range l.poses {
		if k.Visitor == id || k.Guard == id {
			delete(l.poses, k)
		}
	}
}

// activeIDs returns active session ids in a stable order.
func (l *Log) activeIDs() []string {
	ids := make([]string, 0, len(l.byPair))
	for _, id := range l.byPair {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := l.sessions[ids[i]], l.sessions[ids[j]]
		if a.Visitor != b.Visitor {
			return a.Visitor < b.Visitor
		}
		return a.Guard < b.Guard
	})
	return ids
}

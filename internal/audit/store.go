package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/gatecheck/internal/decision"
	"github.com/banshee-data/gatecheck/internal/events"
	"github.com/banshee-data/gatecheck/internal/state"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("not found")

var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://banshee-data.com/gatecheck/audit-event"))

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Store is the SQLite audit store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and migrates it to the latest
// schema. ":memory:" gives a private in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// Every connection to an in-memory database is a new database.
		db.SetMaxOpenConns(1)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	s := &Store{db: db, path: path}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed
// because that would close the shared connection pool.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Diagf("[migrate] "+strings.TrimRight(format, "\n"), v...)
}

func (migrateLogger) Verbose() bool { return false }

// Path returns the database location the store was opened with.
func (s *Store) Path() string { return s.path }

// Name implements Sink.
func (s *Store) Name() string { return "sqlite" }

// Close implements Sink.
func (s *Store) Close() error { return s.db.Close() }

// Write implements Sink. The batch is stored in one transaction. Sessions are
// upserted while active and frozen once closed; events and completions are
// insert-once so a retried batch is harmless.
func (s *Store) Write(ctx context.Context, b Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, sess := range b.Sessions {
		if err := insertSession(ctx, tx, sess); err != nil {
			return err
		}
	}
	for _, ev := range b.Events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	for _, c := range b.Completions {
		if err := insertCompletion(ctx, tx, c); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertSession(ctx context.Context, tx *sql.Tx, sess events.Session) error {
	var end sql.NullInt64
	if sess.End != nil {
		end = sql.NullInt64{Int64: sess.End.UnixNano(), Valid: true}
	}
	var score sql.NullString
	if sess.Score != nil {
		data, err := json.Marshal(sess.Score)
		if err != nil {
			return fmt.Errorf("marshal score of session %s: %w", sess.ID, err)
		}
		score = sql.NullString{String: string(data), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, gate_id, visitor_id, guard_id, start_ns, end_ns, status, reason, score_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_ns = excluded.end_ns,
			status = excluded.status,
			reason = excluded.reason,
			score_json = excluded.score_json
		WHERE sessions.status = 'active'`,
		sess.ID, sess.GateID, sess.Visitor, sess.Guard, sess.Start.UnixNano(), end,
		string(sess.Status), sess.Reason, score)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

func eventRecordID(ev events.MicroEvent) string {
	name := fmt.Sprintf("%s/%d/%d", ev.GateID, ev.Seq, ev.Timestamp.UnixNano())
	return uuid.NewSHA1(recordNamespace, []byte(name)).String()
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev events.MicroEvent) error {
	var secondary sql.NullInt64
	if ev.SecondaryID != nil {
		secondary = sql.NullInt64{Int64: *ev.SecondaryID, Valid: true}
	}
	var session sql.NullString
	if ev.SessionID != "" {
		session = sql.NullString{String: ev.SessionID, Valid: true}
	}
	var payload sql.NullString
	if len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload of event %d: %w", ev.Seq, err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (record_id, gate_id, seq, event_type, track_id, secondary_track_id, ts_ns, session_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		eventRecordID(ev), ev.GateID, ev.Seq, string(ev.Type), ev.TrackID, secondary,
		ev.Timestamp.UnixNano(), session, payload)
	if err != nil {
		return fmt.Errorf("insert event %d: %w", ev.Seq, err)
	}
	return nil
}

func insertCompletion(ctx context.Context, tx *sql.Tx, c decision.Completion) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO completions (
			session_id, gate_id, visitor_id, guard_id, ts_ns,
			score_total, score_base, score_contact, score_pose, score_persistence,
			contact_confidence, pose_confidence, persistence_factor,
			dwell_s, guard_dwell_s, interaction_s, guard_overlap_s, session_s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.GateID, c.VisitorID, c.GuardID, c.Timestamp.UnixNano(),
		c.Score.Total, c.Score.Base, c.Score.Contact, c.Score.Pose, c.Score.Persistence,
		c.Score.ContactConfidence, c.Score.PoseConfidence, c.Score.PersistenceFactor,
		c.DwellS, c.GuardDwellS, c.InteractionS, c.GuardOverlapS, c.SessionS)
	if err != nil {
		return fmt.Errorf("insert completion %s: %w", c.SessionID, err)
	}
	return nil
}

// SessionFilter narrows a Sessions query. Zero fields match everything.
type SessionFilter struct {
	GateID string
	Status events.Status
	Since  time.Time
	Limit  int
}

type scanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, gate_id, visitor_id, guard_id, start_ns, end_ns, status, reason, score_json`

func scanSession(row scanner) (events.Session, error) {
	var (
		sess    events.Session
		startNs int64
		endNs   sql.NullInt64
		status  string
		score   sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.GateID, &sess.Visitor, &sess.Guard, &startNs, &endNs, &status, &sess.Reason, &score); err != nil {
		return sess, err
	}
	sess.Start = time.Unix(0, startNs).UTC()
	sess.Status = events.Status(status)
	if endNs.Valid {
		end := time.Unix(0, endNs.Int64).UTC()
		sess.End = &end
	}
	if score.Valid {
		var sb state.ScoreBreakdown
		if err := json.Unmarshal([]byte(score.String), &sb); err != nil {
			return sess, fmt.Errorf("decode score of session %s: %w", sess.ID, err)
		}
		sess.Score = &sb
	}
	return sess, nil
}

// Sessions returns recorded sessions, newest first.
func (s *Store) Sessions(ctx context.Context, f SessionFilter) ([]events.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if f.GateID != "" {
		q += ` AND gate_id = ?`
		args = append(args, f.GateID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		q += ` AND start_ns >= ?`
		args = append(args, f.Since.UnixNano())
	}
	q += ` ORDER BY start_ns DESC, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []events.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Session returns one recorded session.
func (s *Store) Session(ctx context.Context, id string) (events.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sess, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return sess, fmt.Errorf("query session %s: %w", id, err)
	}
	return sess, nil
}

const eventColumns = `gate_id, seq, event_type, track_id, secondary_track_id, ts_ns, session_id, payload_json`

func scanEvent(row scanner) (events.MicroEvent, error) {
	var (
		ev        events.MicroEvent
		typ       string
		secondary sql.NullInt64
		tsNs      int64
		session   sql.NullString
		payload   sql.NullString
	)
	if err := row.Scan(&ev.GateID, &ev.Seq, &typ, &ev.TrackID, &secondary, &tsNs, &session, &payload); err != nil {
		return ev, err
	}
	ev.Type = events.Type(typ)
	ev.Timestamp = time.Unix(0, tsNs).UTC()
	ev.SessionID = session.String
	if secondary.Valid {
		v := secondary.Int64
		ev.SecondaryID = &v
	}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
			return ev, fmt.Errorf("decode payload of event %d: %w", ev.Seq, err)
		}
	}
	return ev, nil
}

func (s *Store) queryEvents(ctx context.Context, q string, args ...any) ([]events.MicroEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.MicroEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Events returns the events tagged with a session, oldest first.
func (s *Store) Events(ctx context.Context, sessionID string) ([]events.MicroEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY ts_ns, seq`, sessionID)
}

// maxTraceRows bounds how far back Trace looks for the start of an attempt.
const maxTraceRows = 1000

// Trace returns the state machine transitions of the session's visitor that
// belong to the session's attempt, oldest first. The attempt starts at the
// last transition into PRESENT_IN_GA at or before the session start, since
// the visitor is already present when the session opens, and ends with the
// session.
func (s *Store) Trace(ctx context.Context, sessionID string) ([]events.MicroEvent, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	until := int64(math.MaxInt64)
	if sess.End != nil {
		until = sess.End.UnixNano()
	}
	desc, err := s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE gate_id = ? AND track_id = ? AND event_type = ? AND ts_ns <= ?
		ORDER BY ts_ns DESC, seq DESC LIMIT ?`,
		sess.GateID, sess.Visitor, string(events.FSMTransition), until, maxTraceRows)
	if err != nil {
		return nil, err
	}

	var trace []events.MicroEvent
	for _, ev := range desc {
		if !ev.Timestamp.Before(sess.Start) {
			trace = append(trace, ev)
			continue
		}
		to, _ := ev.Payload["to"].(string)
		if to == string(state.PhaseIdle) {
			break
		}
		trace = append(trace, ev)
		if to == string(state.PhasePresentInGA) {
			break
		}
	}
	for i, j := 0, len(trace)-1; i < j; i, j = i+1, j-1 {
		trace[i], trace[j] = trace[j], trace[i]
	}
	return trace, nil
}

// Completions returns recorded completions, newest first. An empty gateID
// matches every gate; limit <= 0 returns all.
func (s *Store) Completions(ctx context.Context, gateID string, limit int) ([]decision.Completion, error) {
	q := `SELECT session_id, gate_id, visitor_id, guard_id, ts_ns,
			score_total, score_base, score_contact, score_pose, score_persistence,
			contact_confidence, pose_confidence, persistence_factor,
			dwell_s, guard_dwell_s, interaction_s, guard_overlap_s, session_s
		FROM completions`
	var args []any
	if gateID != "" {
		q += ` WHERE gate_id = ?`
		args = append(args, gateID)
	}
	q += ` ORDER BY ts_ns DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()

	var out []decision.Completion
	for rows.Next() {
		var (
			c    decision.Completion
			tsNs int64
		)
		if err := rows.Scan(&c.SessionID, &c.GateID, &c.VisitorID, &c.GuardID, &tsNs,
			&c.Score.Total, &c.Score.Base, &c.Score.Contact, &c.Score.Pose, &c.Score.Persistence,
			&c.Score.ContactConfidence, &c.Score.PoseConfidence, &c.Score.PersistenceFactor,
			&c.DwellS, &c.GuardDwellS, &c.InteractionS, &c.GuardOverlapS, &c.SessionS); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		c.Timestamp = time.Unix(0, tsNs).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

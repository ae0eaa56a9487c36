// Package api serves read-only views of the gates and the audit trail over
// HTTP, plus the operator reset.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/gatecheck/internal/audit"
	"github.com/banshee-data/gatecheck/internal/decision"
	"github.com/banshee-data/gatecheck/internal/events"
	"github.com/banshee-data/gatecheck/internal/httputil"
	"github.com/banshee-data/gatecheck/internal/metrics"
	"github.com/banshee-data/gatecheck/internal/monitoring"
	"github.com/banshee-data/gatecheck/internal/pipeline"
	"github.com/banshee-data/gatecheck/internal/report"
	"github.com/banshee-data/gatecheck/internal/state"
	"github.com/banshee-data/gatecheck/internal/tracks"
	"github.com/banshee-data/gatecheck/internal/version"
)

var log = monitoring.Component("api")

// Gates is the live side: one pipeline per gate.
type Gates interface {
	Gates() []string
	Gate(id string) (*pipeline.Pipeline, error)
}

// AuditReader is the persisted side. *audit.Store implements it.
type AuditReader interface {
	Sessions(ctx context.Context, f audit.SessionFilter) ([]events.Session, error)
	Session(ctx context.Context, id string) (events.Session, error)
	Events(ctx context.Context, sessionID string) ([]events.MicroEvent, error)
	Trace(ctx context.Context, sessionID string) ([]events.MicroEvent, error)
	Completions(ctx context.Context, gateID string, limit int) ([]decision.Completion, error)
}

const defaultListLimit = 100

type Server struct {
	gates Gates
	audit AuditReader // nil when running without a database

	// Report holds the defaults for GET /report.
	Report report.Options
}

func NewServer(gates Gates, audit AuditReader) *Server {
	return &Server{gates: gates, audit: audit}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, status, and duration. Server errors go
// to the ops stream, everything else to trace.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		l := log.With(logrus.Fields{
			"method": r.Method,
			"status": lrw.statusCode,
			"ms":     float64(time.Since(start).Nanoseconds()) / 1e6,
		})
		if lrw.statusCode >= http.StatusInternalServerError {
			l.Opsf("%s failed", r.RequestURI)
			return
		}
		l.Tracef("%s", r.RequestURI)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/gates", s.listGates)
	mux.HandleFunc("/api/gates/", s.handleGateAPI)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionAPI)
	mux.HandleFunc("/api/completions", s.listCompletions)
	mux.HandleFunc("/report", s.showReport)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]interface{}{"status": "ok", "gates": len(s.gates.Gates())})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}

// GateSummary is one entry of GET /api/gates.
type GateSummary struct {
	GateID         string    `json:"gate_id"`
	Mode           string    `json:"guard_anchor_mode"`
	Frames         int64     `json:"frames"`
	Timestamp      time.Time `json:"timestamp"`
	Tracks         int       `json:"tracks"`
	ActiveSessions int       `json:"active_sessions"`
}

func (s *Server) listGates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ids := s.gates.Gates()
	out := make([]GateSummary, 0, len(ids))
	for _, id := range ids {
		p, err := s.gates.Gate(id)
		if err != nil {
			// retired between the two calls
			continue
		}
		snap := p.Snapshot()
		sum := GateSummary{GateID: id, Mode: snap.Mode, Frames: snap.Frames, Timestamp: snap.Timestamp, Tracks: len(snap.Tracks)}
		for _, sess := range snap.Sessions {
			if sess.Active() {
				sum.ActiveSessions++
			}
		}
		out = append(out, sum)
	}
	httputil.WriteJSONOK(w, out)
}

// splitPath returns the id and sub-path after prefix, e.g.
// "/api/gates/north/snapshot" gives ("north", "snapshot").
func splitPath(path, prefix string) (id, sub string) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	id, sub, _ = strings.Cut(rest, "/")
	return id, sub
}

// handleGateAPI dispatches /api/gates/{id}/*.
func (s *Server) handleGateAPI(w http.ResponseWriter, r *http.Request) {
	gateID, sub := splitPath(r.URL.Path, "/api/gates/")
	if gateID == "" {
		httputil.BadRequest(w, "missing gate id in path")
		return
	}
	p, err := s.gates.Gate(gateID)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}

	switch {
	case sub == "snapshot" && r.Method == http.MethodGet:
		httputil.WriteJSONOK(w, p.Snapshot())
	case sub == "events" && r.Method == http.MethodGet:
		httputil.WriteJSONOK(w, p.Events())
	case sub == "reset" && r.Method == http.MethodPost:
		s.handleReset(w, r, p)
	case sub == "role" && r.Method == http.MethodPost:
		s.handleAssignRole(w, r, p)
	case sub == "snapshot" || sub == "events" || sub == "reset" || sub == "role":
		httputil.MethodNotAllowed(w)
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown gate resource %q", sub))
	}
}

// ResetRequest is the body of POST /api/gates/{id}/reset. No track ids
// resets the whole gate.
type ResetRequest struct {
	TrackIDs []int64 `json:"track_ids"`
}

// decodeBody reads an optional JSON body into v. An empty body is not an
// error.
func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, p *pipeline.Pipeline) {
	var req ResetRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid reset request: %v", err))
		return
	}
	res := p.Reset(req.TrackIDs...)
	log.With(logrus.Fields{"gate": p.GateID(), "tracks": req.TrackIDs}).
		Diagf("operator reset cancelled %d sessions", len(res.Cancelled))
	httputil.WriteJSONOK(w, res)
}

// RoleRequest is the body of POST /api/gates/{id}/role.
type RoleRequest struct {
	TrackID int64       `json:"track_id"`
	Role    tracks.Role `json:"role"`
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request, p *pipeline.Pipeline) {
	var req RoleRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid role request: %v", err))
		return
	}
	if req.Role == tracks.RoleUnknown {
		httputil.BadRequest(w, "role must be visitor or guard")
		return
	}
	err := p.AssignRole(req.TrackID, req.Role)
	switch {
	case errors.Is(err, state.ErrUnknownTrack):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, state.ErrRoleLocked):
		httputil.Conflict(w, err.Error())
	case err != nil:
		httputil.InternalServerError(w, err.Error())
	default:
		httputil.WriteJSONOK(w, req)
	}
}

// requireAudit writes 503 when no audit store is configured.
func (s *Server) requireAudit(w http.ResponseWriter) bool {
	if s.audit == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "audit store not configured")
		return false
	}
	return true
}

func parseLimit(r *http.Request) (int, error) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid 'limit' parameter")
	}
	return n, nil
}

func parseSince(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid 'since' parameter, want RFC 3339")
	}
	return t, nil
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireAudit(w) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	since, err := parseSince(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	f := audit.SessionFilter{GateID: q.Get("gate"), Status: events.Status(q.Get("status")), Since: since, Limit: limit}
	sessions, err := s.audit.Sessions(r.Context(), f)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []events.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// handleSessionAPI dispatches /api/sessions/{id}[/events|/trace].
func (s *Server) handleSessionAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireAudit(w) {
		return
	}
	id, sub := splitPath(r.URL.Path, "/api/sessions/")
	if id == "" {
		httputil.BadRequest(w, "missing session id in path")
		return
	}

	var (
		out interface{}
		err error
	)
	switch sub {
	case "":
		out, err = s.audit.Session(r.Context(), id)
	case "events":
		out, err = s.audit.Events(r.Context(), id)
	case "trace":
		out, err = s.audit.Trace(r.Context(), id)
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown session resource %q", sub))
		return
	}
	switch {
	case errors.Is(err, audit.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case err != nil:
		httputil.InternalServerError(w, err.Error())
	default:
		httputil.WriteJSONOK(w, out)
	}
}

func (s *Server) listCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireAudit(w) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	out, err := s.audit.Completions(r.Context(), r.URL.Query().Get("gate"), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve completions: %v", err))
		return
	}
	if out == nil {
		out = []decision.Completion{}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) showReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireAudit(w) {
		return
	}
	o := s.Report
	if g := r.URL.Query().Get("gate"); g != "" {
		o.GateID = g
	}
	if r.URL.Query().Get("limit") != "" {
		limit, err := parseLimit(r)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		o.Limit = limit
	}
	since, err := parseSince(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !since.IsZero() {
		o.Since = since
	}

	var buf bytes.Buffer
	if err := report.Render(r.Context(), &buf, s.audit, o); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

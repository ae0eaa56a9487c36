package audit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gatecheck/internal/decision"
	"github.com/banshee-data/gatecheck/internal/events"
	"github.com/banshee-data/gatecheck/internal/state"
	"github.com/banshee-data/gatecheck/internal/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func at(s float64) time.Time {
	return testutil.Epoch.Add(time.Duration(s * float64(time.Second)))
}

func transition(seq int64, ts time.Time, visitor int64, from, to state.Phase, session string) events.MicroEvent {
	return events.MicroEvent{
		Seq:       seq,
		GateID:    "north",
		Type:      events.FSMTransition,
		TrackID:   visitor,
		Timestamp: ts,
		SessionID: session,
		Payload:   map[string]any{"from": string(from), "to": string(to), "reason": "test"},
	}
}

func TestOpenMigrates(t *testing.T) {
	s := openTestStore(t)
	v, dirty, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)

	// Re-opening an up to date database is a no-op.
	path := filepath.Join(t.TempDir(), "again.db")
	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())
	second, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestStoreSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	open := events.Session{ID: "s1", GateID: "north", Visitor: 1, Guard: 2, Start: at(6), Status: events.StatusActive}
	require.NoError(t, s.Write(ctx, Batch{GateID: "north", Sessions: []events.Session{open}}))

	got, err := s.Session(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Active())
	assert.Nil(t, got.End)

	end := at(9)
	score := state.ScoreBreakdown{Base: 0.6, Contact: 0.2, Pose: 0.15, Persistence: 0.025, Total: 0.975,
		ContactConfidence: 1, PoseConfidence: 1, PersistenceFactor: 0.5}
	done := open
	done.End = &end
	done.Status = events.StatusCompleted
	done.Reason = "score_threshold"
	done.Score = &score
	require.NoError(t, s.Write(ctx, Batch{GateID: "north", Sessions: []events.Session{done}}))

	// A late write of the active record must not reopen a closed session.
	require.NoError(t, s.Write(ctx, Batch{GateID: "north", Sessions: []events.Session{open}}))

	got, err = s.Session(ctx, "s1")
	require.NoError(t, err)
	if diff := cmp.Diff(done, got); diff != "" {
		t.Errorf("session mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Session(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSessionsFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	end := at(20)
	batch := Batch{GateID: "north", Sessions: []events.Session{
		{ID: "a", GateID: "north", Visitor: 1, Guard: 9, Start: at(1), Status: events.StatusActive},
		{ID: "b", GateID: "north", Visitor: 3, Guard: 9, Start: at(5), End: &end, Status: events.StatusTimedOut, Reason: "session_timeout"},
		{ID: "c", GateID: "south", Visitor: 4, Guard: 8, Start: at(9), Status: events.StatusActive},
	}}
	require.NoError(t, s.Write(ctx, batch))

	all, err := s.Sessions(ctx, SessionFilter{})
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, sess := range all {
		ids[i] = sess.ID
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	north, err := s.Sessions(ctx, SessionFilter{GateID: "north", Status: events.StatusActive})
	require.NoError(t, err)
	require.Len(t, north, 1)
	assert.Equal(t, "a", north[0].ID)

	recent, err := s.Sessions(ctx, SessionFilter{Since: at(4), Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "c", recent[0].ID)
}

func TestStoreEventsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	guard := int64(2)
	evs := []events.MicroEvent{
		{Seq: 1, GateID: "north", Type: events.TrackCreated, TrackID: 1, Timestamp: at(0)},
		{Seq: 2, GateID: "north", Type: events.SessionOpened, TrackID: 1, SecondaryID: &guard, Timestamp: at(6), SessionID: "s1",
			Payload: map[string]any{"selection": "first_qualified"}},
		{Seq: 3, GateID: "north", Type: events.ContactStarted, TrackID: 1, SecondaryID: &guard, Timestamp: at(7), SessionID: "s1"},
	}
	b := Batch{GateID: "north", Events: evs}
	require.NoError(t, s.Write(ctx, b))
	require.NoError(t, s.Write(ctx, b))

	got, err := s.Events(ctx, "s1")
	require.NoError(t, err)
	if diff := cmp.Diff(evs[1:], got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreCompletions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := decision.Completion{
		SessionID: "s1", GateID: "north", VisitorID: 1, GuardID: 2, Timestamp: at(9),
		Score:  state.ScoreBreakdown{Base: 0.6, Contact: 0.2, Pose: 0.15, Persistence: 0.025, Total: 0.975, ContactConfidence: 1, PoseConfidence: 1, PersistenceFactor: 0.5},
		DwellS: 9, GuardDwellS: 5, InteractionS: 1.2, GuardOverlapS: 1.2, SessionS: 3,
	}
	other := c
	other.SessionID, other.GateID, other.Timestamp = "s2", "south", at(12)
	require.NoError(t, s.Write(ctx, Batch{GateID: "north", Completions: []decision.Completion{c}}))
	require.NoError(t, s.Write(ctx, Batch{GateID: "south", Completions: []decision.Completion{other, other}}))

	got, err := s.Completions(ctx, "north", 0)
	require.NoError(t, err)
	if diff := cmp.Diff([]decision.Completion{c}, got); diff != "" {
		t.Errorf("completions mismatch (-want +got):\n%s", diff)
	}

	all, err := s.Completions(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s2", all[0].SessionID)
}

func TestStoreTrace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	end := at(30)
	sess := events.Session{ID: "s2", GateID: "north", Visitor: 1, Guard: 2, Start: at(20), End: &end, Status: events.StatusCompleted}
	evs := []events.MicroEvent{
		// An earlier attempt that was lost.
		transition(1, at(1), 1, state.PhaseIdle, state.PhasePresentInGA, ""),
		transition(2, at(4), 1, state.PhasePresentInGA, state.PhaseIdle, ""),
		// The attempt the session belongs to.
		transition(3, at(10), 1, state.PhaseIdle, state.PhasePresentInGA, ""),
		transition(4, at(22), 1, state.PhasePresentInGA, state.PhaseGuardPresent, "s2"),
		transition(5, at(25), 1, state.PhaseGuardPresent, state.PhaseInteractionWindow, "s2"),
		transition(6, at(30), 1, state.PhaseInteractionWindow, state.PhaseCheckCompleted, "s2"),
		// Other visitor and a later attempt.
		transition(7, at(21), 5, state.PhaseIdle, state.PhasePresentInGA, ""),
		transition(8, at(40), 1, state.PhaseCheckCompleted, state.PhaseIdle, ""),
	}
	require.NoError(t, s.Write(ctx, Batch{GateID: "north", Events: evs, Sessions: []events.Session{sess}}))

	trace, err := s.Trace(ctx, "s2")
	require.NoError(t, err)
	var seqs []int64
	for _, ev := range trace {
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []int64{3, 4, 5, 6}, seqs)

	_, err = s.Trace(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

type recordingSink struct {
	mu      sync.Mutex
	name    string
	batches []Batch
	err     error
	started chan struct{}
	release chan struct{}
	closed  bool
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Write(ctx context.Context, b Batch) error {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return r.err
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func batchOf(gate string, seq int64) Batch {
	return Batch{GateID: gate, Events: []events.MicroEvent{{Seq: seq, GateID: gate, Type: events.TrackCreated, TrackID: seq, Timestamp: at(float64(seq))}}}
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	d := NewDispatcher(sink, 16)

	assert.NoError(t, d.Submit(Batch{GateID: "north"}), "empty batches are ignored")
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, d.Submit(batchOf("north", i)))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, 5, sink.count())
	assert.True(t, sink.closed)
	assert.ErrorIs(t, d.Submit(batchOf("north", 6)), ErrClosed)
	assert.NoError(t, d.Close(context.Background()), "second close is a no-op")
}

func TestDispatcherQueueFull(t *testing.T) {
	sink := &recordingSink{name: "rec", started: make(chan struct{}, 4), release: make(chan struct{})}
	d := NewDispatcher(sink, 1)

	require.NoError(t, d.Submit(batchOf("north", 1)))
	<-sink.started // worker holds batch 1
	require.NoError(t, d.Submit(batchOf("north", 2)))
	assert.ErrorIs(t, d.Submit(batchOf("north", 3)), ErrQueueFull)

	close(sink.release)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 2, sink.count())
}

func TestDispatcherSinkErrorIsNotFatal(t *testing.T) {
	sink := &recordingSink{name: "rec", err: errors.New("disk full")}
	d := NewDispatcher(sink, 4)
	require.NoError(t, d.Submit(batchOf("north", 1)))
	require.NoError(t, d.Submit(batchOf("north", 2)))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 2, sink.count())
}

func TestDispatcherCloseTimeout(t *testing.T) {
	sink := &recordingSink{name: "rec", started: make(chan struct{}, 1), release: make(chan struct{})}
	d := NewDispatcher(sink, 1)
	require.NoError(t, d.Submit(batchOf("north", 1)))
	<-sink.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	close(sink.release)
}

func TestMultiSink(t *testing.T) {
	ok := &recordingSink{name: "ok"}
	bad := &recordingSink{name: "bad", err: errors.New("boom")}
	m := MultiSink{bad, ok}

	err := m.Write(context.Background(), batchOf("north", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, 1, ok.count(), "a failing sink does not stop the next")

	require.NoError(t, m.Close())
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
}

func TestStoreThroughDispatcher(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	d := NewDispatcher(s, 8)

	sess := events.Session{ID: "s1", GateID: "north", Visitor: 1, Guard: 2, Start: at(6), Status: events.StatusActive}
	ev := events.MicroEvent{Seq: 1, GateID: "north", Type: events.SessionOpened, TrackID: 1, Timestamp: at(6), SessionID: "s1"}
	require.NoError(t, d.Submit(Batch{GateID: "north", Events: []events.MicroEvent{ev}, Sessions: []events.Session{sess}}))
	require.NoError(t, d.Close(context.Background()))

	// The dispatcher closed the store; reopen to read back.
	s, err = Open(s.Path())
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Events(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, events.SessionOpened, got[0].Type)
}

type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
	failAfter int
	closed    bool
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.failAfter > 0 && len(f.published) >= f.failAfter {
		return errors.New("channel closed")
	}
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPSinkRoutingKeys(t *testing.T) {
	ch := &fakeChannel{}
	dials := 0
	s := NewAMQPSink(AMQPConfig{Exchange: "gatecheck.audit"})
	s.dial = func() (*amqp.Connection, publisher, error) {
		dials++
		return nil, ch, nil
	}

	end := at(9)
	b := batchOf("north", 1)
	b.Sessions = []events.Session{{ID: "s1", GateID: "north", Start: at(6), End: &end, Status: events.StatusCompleted}}
	b.Completions = []decision.Completion{{SessionID: "s1", GateID: "north", Timestamp: at(9)}}
	require.NoError(t, s.Write(context.Background(), b))
	require.NoError(t, s.Write(context.Background(), batchOf("north", 2)))

	assert.Equal(t, 1, dials)
	assert.Equal(t, []string{
		"gatecheck.north.event",
		"gatecheck.north.session",
		"gatecheck.north.completion",
		"gatecheck.north.event",
	}, ch.keys)
	assert.Equal(t, "application/json", ch.published[0].ContentType)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.True(t, ch.published[1].Timestamp.Equal(end))
}

func TestAMQPSinkReconnectsAfterPublishError(t *testing.T) {
	first := &fakeChannel{failAfter: 1}
	second := &fakeChannel{}
	chans := []*fakeChannel{first, second}
	s := NewAMQPSink(AMQPConfig{Exchange: "x", RoutingKey: "audit"})
	s.dial = func() (*amqp.Connection, publisher, error) {
		ch := chans[0]
		chans = chans[1:]
		return nil, ch, nil
	}

	b := batchOf("north", 1)
	b.Completions = []decision.Completion{{SessionID: "s1", GateID: "north"}}
	assert.Error(t, s.Write(context.Background(), b))
	assert.True(t, first.closed)

	require.NoError(t, s.Write(context.Background(), b))
	assert.Equal(t, []string{"audit.north.event", "audit.north.completion"}, second.keys)
}

func TestAMQPSinkNotConfigured(t *testing.T) {
	s := NewAMQPSink(AMQPConfig{})
	assert.ErrorContains(t, s.Write(context.Background(), batchOf("north", 1)), "not configured")
	assert.NoError(t, s.Close())
}

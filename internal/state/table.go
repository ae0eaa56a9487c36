package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/banshee-data/gatecheck/internal/tracks"
)

var (
	// ErrUnknownTrack is returned for ids with no entity.
	ErrUnknownTrack = errors.New("unknown track")
	// ErrRoleLocked is returned when changing the role of an entity whose
	// role state already exists.
	ErrRoleLocked = errors.New("role already has state")
)

// Table is the arena of entities keyed by stable track id. It is owned by a
// single pipeline and is not safe for concurrent use.
type Table struct {
	entities map[int64]*Entity
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{entities: make(map[int64]*Entity)}
}

// Len returns the number of entities.
func (t *Table) Len() int { return len(t.entities) }

// Sync creates or refreshes the entity for a track snapshot and returns it.
// The role is taken from the snapshot only when the entity is created.
func (t *Table) Sync(snap tracks.Snapshot) *Entity {
	e, ok := t.entities[snap.ID]
	if !ok {
		e = &Entity{TrackID: snap.ID, Role: snap.Role, FirstSeen: snap.FirstSeen}
		t.entities[snap.ID] = e
	}
	e.Track = snap
	return e
}

// Get returns the entity for id.
func (t *Table) Get(id int64) (*Entity, bool) {
	e, ok := t.entities[id]
	return e, ok
}

// Remove deletes the entity for id and reports whether it existed.
func (t *Table) Remove(id int64) bool {
	if _, ok := t.entities[id]; !ok {
		return false
	}
	delete(t.entities, id)
	return true
}

// Merge resolves a re-id merge. The entity of into keeps its state and the
// entity of from is discarded, so the older identity always wins.
func (t *Table) Merge(from, into int64) {
	if from == into {
		return
	}
	delete(t.entities, from)
}

// ClearRoleState drops the role half of id, returning it to a state-less
// entity as if first created.
func (t *Table) ClearRoleState(id int64) error {
	e, ok := t.entities[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, id)
	}
	e.Person = nil
	e.Guard = nil
	return nil
}

// SetRole changes the role of a state-less entity.
func (t *Table) SetRole(id int64, role tracks.Role) error {
	e, ok := t.entities[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, id)
	}
	if e.HasRoleState() && e.Role != role {
		return fmt.Errorf("%w: track %d is %s", ErrRoleLocked, id, e.Role)
	}
	e.Role = role
	return nil
}

// Clear removes every entity.
func (t *Table) Clear() {
	t.entities = make(map[int64]*Entity)
}

// IDs returns all ids in ascending order.
func (t *Table) IDs() []int64 {
	ids := make([]int64, 0, len(t.entities))
	for id := range t.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ByRole returns the entities with the given role in ascending id order.
func (t *Table) ByRole(role tracks.Role) []*Entity {
	var out []*Entity
	for _, id := range t.IDs() {
		if e := t.entities[id]; e.Role == role {
			out = append(out, e)
		}
	}
	return out
}

// Clone returns deep copies of every entity, keyed by id.
func (t *Table) Clone() map[int64]*Entity {
	out := make(map[int64]*Entity, len(t.entities))
	for id, e := range t.entities {
		out[id] = e.clone()
	}
	return out
}

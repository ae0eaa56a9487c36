package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/gatecheck/internal/config"
)

// ErrUnknownGate is returned for gate ids with no pipeline.
var ErrUnknownGate = errors.New("unknown gate")

// Manager routes frames to one Pipeline per gate.
type Manager struct {
	opts []Option

	mu    sync.RWMutex
	gates map[string]*Pipeline
}

// NewManager builds a pipeline for every gate of cfg. The options apply to
// each pipeline, including gates added by a later Apply.
func NewManager(cfg *config.TuningConfig, opts ...Option) (*Manager, error) {
	m := &Manager{opts: opts, gates: make(map[string]*Pipeline)}
	if err := m.Apply(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Apply reconciles the gates with cfg: existing gates take the new settings
// and keep their state, new gates start empty, and gates no longer listed are
// retired.
func (m *Manager) Apply(cfg *config.TuningConfig) error {
	if cfg == nil {
		cfg = config.EmptyTuningConfig()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	gates, err := cfg.ResolveGates()
	if err != nil {
		return fmt.Errorf("resolve gates: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	keep := make(map[string]bool, len(gates))
	for _, g := range gates {
		keep[g.ID] = true
		if p, ok := m.gates[g.ID]; ok {
			p.UpdateConfig(g)
			continue
		}
		m.gates[g.ID] = New(g, m.opts...)
		log.Diagf("gate %s started", g.ID)
	}
	for id, p := range m.gates {
		if keep[id] {
			continue
		}
		p.Reset()
		delete(m.gates, id)
		log.Diagf("gate %s retired", id)
	}
	return nil
}

// Gates returns the gate ids in order.
func (m *Manager) Gates() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.gates))
	for id := range m.gates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Gate returns the pipeline of a gate. An empty id selects the only gate when
// there is exactly one.
func (m *Manager) Gate(id string) (*Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == "" && len(m.gates) == 1 {
		for _, p := range m.gates {
			return p, nil
		}
	}
	p, ok := m.gates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGate, id)
	}
	return p, nil
}

// Process routes a frame to its gate.
func (m *Manager) Process(f Frame) (FrameResult, error) {
	p, err := m.Gate(f.GateID)
	if err != nil {
		return FrameResult{}, err
	}
	return p.Process(f), nil
}

// Reset runs an operator reset on a gate.
func (m *Manager) Reset(gateID string, ids ...int64) (ResetResult, error) {
	p, err := m.Gate(gateID)
	if err != nil {
		return ResetResult{}, err
	}
	return p.Reset(ids...), nil
}

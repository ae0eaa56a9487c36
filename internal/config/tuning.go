// Package config loads the gate tuning file: zone polygons, timer and
// proximity thresholds, pose settings, guard qualification mode, and scoring
// weights.
//
// Every scalar is optional in the JSON file. The Get* accessors return the
// documented fallback for any field the file leaves out, so partial files are
// safe and the rest of the module never hard-codes a default.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/gatecheck.defaults.json"

// DefaultGateID names the implicit gate used when the file lists no gates.
const DefaultGateID = "default"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Zone types.
const (
	ZoneGateArea    = "gate_area"
	ZoneGuardAnchor = "guard_anchor"
)

// Guard qualification modes.
const (
	GuardModeAnchorOnly   = "anchor_only"
	GuardModeGateAreaOnly = "gate_area_only"
	GuardModeEither       = "either"
)

// Guard selection policies when several qualified guards are present at
// session open.
const (
	GuardSelectFirstQualified = "first_qualified"
	GuardSelectNearest        = "nearest"
)

// ZoneConfig is one polygon as written in the file. Points are [x, y] pairs in
// normalized coordinates. Geometry is checked by the zones package, which
// disables a bad polygon instead of rejecting the whole file.
type ZoneConfig struct {
	Name   string      `json:"name"`
	Type   string      `json:"type"`
	Points [][]float64 `json:"points"`
}

// GateConfig describes one gate: its zones and any tuning values that differ
// from the file-level ones.
type GateConfig struct {
	ID        string        `json:"id"`
	Zones     []ZoneConfig  `json:"zones"`
	Overrides *TuningConfig `json:"overrides,omitempty"`
}

// TuningConfig is the root of the tuning file.
type TuningConfig struct {
	// Timers, in seconds.
	PersonMinDwellS        *float64 `json:"person_min_dwell_s,omitempty"`
	GuardMinDwellS         *float64 `json:"guard_min_dwell_s,omitempty"`
	InteractionMinOverlapS *float64 `json:"interaction_min_overlap_s,omitempty"`
	OcclusionGraceS        *float64 `json:"occlusion_grace_s,omitempty"`
	ContactDebounceS       *float64 `json:"contact_debounce_s,omitempty"`
	SessionTimeoutS        *float64 `json:"session_timeout_s,omitempty"`
	ReidMergeTimeS         *float64 `json:"reid_merge_time_s,omitempty"`
	TrackDestroyS          *float64 `json:"track_destroy_s,omitempty"`
	PersistenceFullS       *float64 `json:"persistence_full_s,omitempty"`
	MaxPredictDtS          *float64 `json:"max_predict_dt_s,omitempty"`

	// Proximity.
	CenterDistScale *float64 `json:"center_dist_scale,omitempty"`
	IoUMin          *float64 `json:"iou_min,omitempty"`

	// Pose.
	UsePose               *bool    `json:"use_pose,omitempty"`
	HandToTorsoThresh     *float64 `json:"hand_to_torso_thresh,omitempty"`
	ReachVelocityThresh   *float64 `json:"reach_velocity_thresh,omitempty"`
	KeypointMinConfidence *float64 `json:"keypoint_min_confidence,omitempty"`
	HeuristicPoseFallback *bool    `json:"heuristic_pose_fallback,omitempty"`

	// Guard qualification and session assignment.
	GuardAnchorMode        *string  `json:"guard_anchor_mode,omitempty"`
	AnchorRequiredFraction *float64 `json:"anchor_required_fraction,omitempty"`
	GuardSelection         *string  `json:"guard_selection,omitempty"`

	// Hysteresis, in frames.
	ConsecutiveInGA    *int `json:"consecutive_in_ga,omitempty"`
	ConsecutiveContact *int `json:"consecutive_contact,omitempty"`

	// Scoring.
	Base                 *float64 `json:"base,omitempty"`
	ContactBonus         *float64 `json:"contact_bonus,omitempty"`
	PoseBonus            *float64 `json:"pose_bonus,omitempty"`
	ReidPersistenceBonus *float64 `json:"reid_persistence_bonus,omitempty"`
	Threshold            *float64 `json:"threshold,omitempty"`

	// Tracker.
	AssocIoUMin            *float64 `json:"assoc_iou_min,omitempty"`
	WeakMatchDist          *float64 `json:"weak_match_dist,omitempty"`
	SmoothingAlpha         *float64 `json:"smoothing_alpha,omitempty"`
	JitterAlpha            *float64 `json:"jitter_alpha,omitempty"`
	ReidSpatialTol         *float64 `json:"reid_spatial_tol,omitempty"`
	MinDetectionConfidence *float64 `json:"min_detection_confidence,omitempty"`

	// Zones.
	ZoneExitMargin *float64 `json:"zone_exit_margin,omitempty"`

	// Retention and queues.
	MaxClosedSessions *int `json:"max_closed_sessions,omitempty"`
	EventRetention    *int `json:"event_retention,omitempty"`
	AuditQueueSize    *int `json:"audit_queue_size,omitempty"`

	// Zones for a single-gate file. Ignored when GateConfigs is non-empty.
	Zones []ZoneConfig `json:"zones,omitempty"`
	// GateConfigs lists the gates served by one process.
	GateConfigs []GateConfig `json:"gates,omitempty"`
}

// Gate is the effective configuration for one gate: its zones and the
// file-level tuning with the gate's overrides applied.
type Gate struct {
	ID     string
	Zones  []ZoneConfig
	Tuning *TuningConfig
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads and validates a TuningConfig from a JSON file.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseTuningConfig(data)
}

// ParseTuningConfig decodes and validates a TuningConfig from JSON bytes.
func ParseTuningConfig(data []byte) (*TuningConfig, error) {
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching from the current
// directory up towards the repository root. Panics if the file is missing.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks value ranges. Zone geometry is not checked here.
func (c *TuningConfig) Validate() error {
	nonNegative := map[string]*float64{
		"person_min_dwell_s":        c.PersonMinDwellS,
		"guard_min_dwell_s":         c.GuardMinDwellS,
		"interaction_min_overlap_s": c.InteractionMinOverlapS,
		"occlusion_grace_s":         c.OcclusionGraceS,
		"contact_debounce_s":        c.ContactDebounceS,
		"session_timeout_s":         c.SessionTimeoutS,
		"reid_merge_time_s":         c.ReidMergeTimeS,
		"track_destroy_s":           c.TrackDestroyS,
		"max_predict_dt_s":          c.MaxPredictDtS,
		"center_dist_scale":         c.CenterDistScale,
		"hand_to_torso_thresh":      c.HandToTorsoThresh,
		"reach_velocity_thresh":     c.ReachVelocityThresh,
		"weak_match_dist":           c.WeakMatchDist,
		"reid_spatial_tol":          c.ReidSpatialTol,
		"zone_exit_margin":          c.ZoneExitMargin,
	}
	for name, v := range nonNegative {
		if v != nil && (!isFinite(*v) || *v < 0) {
			return fmt.Errorf("%w: %s must be a non-negative number, got %v", ErrInvalidConfig, name, *v)
		}
	}

	unit := map[string]*float64{
		"iou_min":                  c.IoUMin,
		"keypoint_min_confidence":  c.KeypointMinConfidence,
		"anchor_required_fraction": c.AnchorRequiredFraction,
		"assoc_iou_min":            c.AssocIoUMin,
		"smoothing_alpha":          c.SmoothingAlpha,
		"jitter_alpha":             c.JitterAlpha,
		"min_detection_confidence": c.MinDetectionConfidence,
	}
	for name, v := range unit {
		if v != nil && (!isFinite(*v) || *v < 0 || *v > 1) {
			return fmt.Errorf("%w: %s must be between 0 and 1, got %v", ErrInvalidConfig, name, *v)
		}
	}

	if c.PersistenceFullS != nil && (!isFinite(*c.PersistenceFullS) || *c.PersistenceFullS <= 0) {
		return fmt.Errorf("%w: persistence_full_s must be positive, got %v", ErrInvalidConfig, *c.PersistenceFullS)
	}

	weights := map[string]*float64{
		"base":                   c.Base,
		"contact_bonus":          c.ContactBonus,
		"pose_bonus":             c.PoseBonus,
		"reid_persistence_bonus": c.ReidPersistenceBonus,
		"threshold":              c.Threshold,
	}
	for name, v := range weights {
		if v != nil && !isFinite(*v) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidConfig, name)
		}
	}

	counts := map[string]*int{
		"consecutive_in_ga":   c.ConsecutiveInGA,
		"consecutive_contact": c.ConsecutiveContact,
		"max_closed_sessions": c.MaxClosedSessions,
		"event_retention":     c.EventRetention,
		"audit_queue_size":    c.AuditQueueSize,
	}
	for name, v := range counts {
		if v != nil && *v < 1 {
			return fmt.Errorf("%w: %s must be at least 1, got %d", ErrInvalidConfig, name, *v)
		}
	}

	if c.GuardAnchorMode != nil {
		switch *c.GuardAnchorMode {
		case GuardModeAnchorOnly, GuardModeGateAreaOnly, GuardModeEither:
		default:
			return fmt.Errorf("%w: unknown guard_anchor_mode %q", ErrInvalidConfig, *c.GuardAnchorMode)
		}
	}
	if c.GuardSelection != nil {
		switch *c.GuardSelection {
		case GuardSelectFirstQualified, GuardSelectNearest:
		default:
			return fmt.Errorf("%w: unknown guard_selection %q", ErrInvalidConfig, *c.GuardSelection)
		}
	}

	seen := make(map[string]bool, len(c.GateConfigs))
	for i, g := range c.GateConfigs {
		if g.ID == "" {
			return fmt.Errorf("%w: gate %d has no id", ErrInvalidConfig, i)
		}
		if seen[g.ID] {
			return fmt.Errorf("%w: duplicate gate id %q", ErrInvalidConfig, g.ID)
		}
		seen[g.ID] = true
		if g.Overrides != nil {
			if err := g.Overrides.Validate(); err != nil {
				return fmt.Errorf("gate %q overrides: %w", g.ID, err)
			}
		}
	}
	return nil
}

// ResolveGates returns the effective configuration for every gate. A file
// with no gates yields one gate named DefaultGateID using the top-level
// zones.
func (c *TuningConfig) ResolveGates() ([]Gate, error) {
	if len(c.GateConfigs) == 0 {
		return []Gate{{ID: DefaultGateID, Zones: c.Zones, Tuning: c.scalarsOnly()}}, nil
	}
	gates := make([]Gate, 0, len(c.GateConfigs))
	for _, g := range c.GateConfigs {
		tuning, err := c.withOverrides(g.Overrides)
		if err != nil {
			return nil, fmt.Errorf("gate %q: %w", g.ID, err)
		}
		gates = append(gates, Gate{ID: g.ID, Zones: g.Zones, Tuning: tuning})
	}
	return gates, nil
}

// scalarsOnly returns a copy of c without zones or gates.
func (c *TuningConfig) scalarsOnly() *TuningConfig {
	cp := *c
	cp.Zones = nil
	cp.GateConfigs = nil
	return &cp
}

// withOverrides layers every field set in o over the scalars of c.
func (c *TuningConfig) withOverrides(o *TuningConfig) (*TuningConfig, error) {
	base := c.scalarsOnly()
	if o == nil {
		return base, nil
	}
	merged := map[string]json.RawMessage{}
	for _, layer := range []*TuningConfig{base, o.scalarsOnly()} {
		data, err := json.Marshal(layer)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	out := EmptyTuningConfig()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Second)))
}

func floatOr(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}

func intOr(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}

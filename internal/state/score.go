package state

// ScoreBreakdown is the explainable additive score of one attempt. It is
// always recomputed from PersonState and configuration, never stored as
// independent mutable state.
type ScoreBreakdown struct {
	Base        float64 `json:"base"`
	Contact     float64 `json:"contact_component"`
	Pose        float64 `json:"pose_component"`
	Persistence float64 `json:"persistence_component"`
	Total       float64 `json:"total"`

	ContactConfidence float64 `json:"contact_confidence"`
	PoseConfidence    float64 `json:"pose_confidence"`
	PersistenceFactor float64 `json:"persistence_factor"`
}

package config

import "time"

// GetPersonMinDwell returns person_min_dwell_s (fallback 6s).
func (c *TuningConfig) GetPersonMinDwell() time.Duration {
	return seconds(floatOr(c.PersonMinDwellS, 6.0))
}

// GetGuardMinDwell returns guard_min_dwell_s (fallback 3s).
func (c *TuningConfig) GetGuardMinDwell() time.Duration {
	return seconds(floatOr(c.GuardMinDwellS, 3.0))
}

// GetInteractionMinOverlap returns interaction_min_overlap_s (fallback 1s).
func (c *TuningConfig) GetInteractionMinOverlap() time.Duration {
	return seconds(floatOr(c.InteractionMinOverlapS, 1.0))
}

// GetOcclusionGrace returns occlusion_grace_s (fallback 1s).
func (c *TuningConfig) GetOcclusionGrace() time.Duration {
	return seconds(floatOr(c.OcclusionGraceS, 1.0))
}

// GetContactDebounce returns contact_debounce_s (fallback 0.3s).
func (c *TuningConfig) GetContactDebounce() time.Duration {
	return seconds(floatOr(c.ContactDebounceS, 0.3))
}

// GetSessionTimeout returns session_timeout_s (fallback 60s).
func (c *TuningConfig) GetSessionTimeout() time.Duration {
	return seconds(floatOr(c.SessionTimeoutS, 60.0))
}

// GetReidMergeTime returns reid_merge_time_s (fallback 2s).
func (c *TuningConfig) GetReidMergeTime() time.Duration {
	return seconds(floatOr(c.ReidMergeTimeS, 2.0))
}

// GetTrackDestroy returns track_destroy_s (fallback 10s).
func (c *TuningConfig) GetTrackDestroy() time.Duration {
	return seconds(floatOr(c.TrackDestroyS, 10.0))
}

// GetPersistenceFull returns persistence_full_s (fallback 10s).
func (c *TuningConfig) GetPersistenceFull() time.Duration {
	return seconds(floatOr(c.PersistenceFullS, 10.0))
}

// GetMaxPredictDt returns max_predict_dt_s (fallback 0.5s).
func (c *TuningConfig) GetMaxPredictDt() time.Duration {
	return seconds(floatOr(c.MaxPredictDtS, 0.5))
}

// GetCenterDistScale returns center_dist_scale (fallback 0.35).
func (c *TuningConfig) GetCenterDistScale() float64 {
	return floatOr(c.CenterDistScale, 0.35)
}

// GetIoUMin returns iou_min (fallback 0.05).
func (c *TuningConfig) GetIoUMin() float64 {
	return floatOr(c.IoUMin, 0.05)
}

// GetUsePose returns use_pose (fallback true).
func (c *TuningConfig) GetUsePose() bool {
	if c.UsePose == nil {
		return true
	}
	return *c.UsePose
}

// GetHandToTorsoThresh returns hand_to_torso_thresh in torso heights
// (fallback 0.5).
func (c *TuningConfig) GetHandToTorsoThresh() float64 {
	return floatOr(c.HandToTorsoThresh, 0.5)
}

// GetReachVelocityThresh returns reach_velocity_thresh (fallback 0.5).
func (c *TuningConfig) GetReachVelocityThresh() float64 {
	return floatOr(c.ReachVelocityThresh, 0.5)
}

// GetKeypointMinConfidence returns keypoint_min_confidence (fallback 0.3).
func (c *TuningConfig) GetKeypointMinConfidence() float64 {
	return floatOr(c.KeypointMinConfidence, 0.3)
}

// GetHeuristicPoseFallback returns heuristic_pose_fallback (fallback false).
func (c *TuningConfig) GetHeuristicPoseFallback() bool {
	return c.HeuristicPoseFallback != nil && *c.HeuristicPoseFallback
}

// GetGuardAnchorMode returns guard_anchor_mode (fallback "either").
func (c *TuningConfig) GetGuardAnchorMode() string {
	if c.GuardAnchorMode == nil {
		return GuardModeEither
	}
	return *c.GuardAnchorMode
}

// GetAnchorRequiredFraction returns anchor_required_fraction (fallback 0.6).
func (c *TuningConfig) GetAnchorRequiredFraction() float64 {
	return floatOr(c.AnchorRequiredFraction, 0.6)
}

// GetGuardSelection returns guard_selection (fallback "first_qualified").
func (c *TuningConfig) GetGuardSelection() string {
	if c.GuardSelection == nil {
		return GuardSelectFirstQualified
	}
	return *c.GuardSelection
}

// GetConsecutiveInGA returns consecutive_in_ga (fallback 3).
func (c *TuningConfig) GetConsecutiveInGA() int {
	return intOr(c.ConsecutiveInGA, 3)
}

// GetConsecutiveContact returns consecutive_contact (fallback 3).
func (c *TuningConfig) GetConsecutiveContact() int {
	return intOr(c.ConsecutiveContact, 3)
}

// GetBase returns base (fallback 0.6).
func (c *TuningConfig) GetBase() float64 { return floatOr(c.Base, 0.6) }

// GetContactBonus returns contact_bonus (fallback 0.2).
func (c *TuningConfig) GetContactBonus() float64 { return floatOr(c.ContactBonus, 0.2) }

// GetPoseBonus returns pose_bonus (fallback 0.15).
func (c *TuningConfig) GetPoseBonus() float64 { return floatOr(c.PoseBonus, 0.15) }

// GetReidPersistenceBonus returns reid_persistence_bonus (fallback 0.05).
func (c *TuningConfig) GetReidPersistenceBonus() float64 {
	return floatOr(c.ReidPersistenceBonus, 0.05)
}

// GetThreshold returns threshold (fallback 0.9).
func (c *TuningConfig) GetThreshold() float64 { return floatOr(c.Threshold, 0.9) }

// GetAssocIoUMin returns assoc_iou_min (fallback 0.1).
func (c *TuningConfig) GetAssocIoUMin() float64 { return floatOr(c.AssocIoUMin, 0.1) }

// GetWeakMatchDist returns weak_match_dist (fallback 0.05).
func (c *TuningConfig) GetWeakMatchDist() float64 { return floatOr(c.WeakMatchDist, 0.05) }

// GetSmoothingAlpha returns smoothing_alpha (fallback 0.6).
func (c *TuningConfig) GetSmoothingAlpha() float64 { return floatOr(c.SmoothingAlpha, 0.6) }

// GetJitterAlpha returns jitter_alpha (fallback 0.3).
func (c *TuningConfig) GetJitterAlpha() float64 { return floatOr(c.JitterAlpha, 0.3) }

// GetReidSpatialTol returns reid_spatial_tol (fallback 0.12).
func (c *TuningConfig) GetReidSpatialTol() float64 { return floatOr(c.ReidSpatialTol, 0.12) }

// GetMinDetectionConfidence returns min_detection_confidence (fallback 0).
func (c *TuningConfig) GetMinDetectionConfidence() float64 {
	return floatOr(c.MinDetectionConfidence, 0)
}

// GetZoneExitMargin returns zone_exit_margin (fallback 0).
func (c *TuningConfig) GetZoneExitMargin() float64 { return floatOr(c.ZoneExitMargin, 0) }

// GetMaxClosedSessions returns max_closed_sessions (fallback 256).
func (c *TuningConfig) GetMaxClosedSessions() int { return intOr(c.MaxClosedSessions, 256) }

// GetEventRetention returns event_retention (fallback 10000).
func (c *TuningConfig) GetEventRetention() int { return intOr(c.EventRetention, 10000) }

// GetAuditQueueSize returns audit_queue_size (fallback 1024).
func (c *TuningConfig) GetAuditQueueSize() int { return intOr(c.AuditQueueSize, 1024) }

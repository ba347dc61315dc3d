package market

// Reason is the closed taxonomy of machine-readable rejection and failure
// reasons. These exact names are emitted in rejections and results; nothing
// in the pipeline degrades silently.
type Reason string

const (
	ReasonTransientIO          Reason = "TransientIO"
	ReasonStaleData            Reason = "StaleData"
	ReasonCrossedBook          Reason = "CrossedBook"
	ReasonEmptyBook            Reason = "EmptyBook"
	ReasonTeamMismatch         Reason = "TeamMismatch"
	ReasonDuplicate            Reason = "Duplicate"
	ReasonCooldown             Reason = "Cooldown"
	ReasonEdgeBelowMin         Reason = "EdgeBelowMin"
	ReasonProbabilityGuardrail Reason = "ProbabilityGuardrail"
	ReasonRiskBreach           Reason = "RiskBreach"
	ReasonInsufficientBalance  Reason = "InsufficientBalance"
	ReasonDepthShort           Reason = "DepthShort"
	ReasonSynthetic            Reason = "Synthetic"
	ReasonFeeUnprofitable      Reason = "FeeUnprofitable"
	ReasonSizeBelowMin         Reason = "SizeBelowMin"
	ReasonVenueReject          Reason = "VenueReject"
	ReasonCircuitOpen          Reason = "CircuitOpen"
	ReasonSequenceGap          Reason = "SequenceGap"
	ReasonAuthFailure          Reason = "AuthFailure"
	ReasonGeoViolation         Reason = "GeoViolation"
	ReasonUnknown              Reason = "Unknown"
)

// Recoverable reports whether the reason is locally recovered (skip/drop and
// keep running) as opposed to surfaced upward.
func (r Reason) Recoverable() bool {
	switch r {
	case ReasonVenueReject, ReasonCircuitOpen, ReasonAuthFailure, ReasonGeoViolation, ReasonUnknown:
		return false
	}
	return true
}

// Fatal reports whether the owning process must terminate with a non-zero
// exit code so the supervisor restarts it.
func (r Reason) Fatal() bool {
	return r == ReasonAuthFailure || r == ReasonGeoViolation
}

package core

import "github.com/signalsfoundry/geospatial-session/model"

// Default accuracy thresholds a pose must meet before anchors are placed.
const (
	DefaultYawAccuracyThreshold        = 25.0 // degrees
	DefaultHorizontalAccuracyThreshold = 20.0 // metres
)

// Thresholds bounds the accuracy a pose must report to count as localized.
type Thresholds struct {
	YawDegrees       float64
	HorizontalMetres float64
}

// DefaultThresholds returns the stock accuracy thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		YawDegrees:       DefaultYawAccuracyThreshold,
		HorizontalMetres: DefaultHorizontalAccuracyThreshold,
	}
}

// Verdict is the gate's decision for one pose sample.
type Verdict int

const (
	VerdictLost Verdict = iota
	VerdictLocalized
)

func (v Verdict) String() string {
	if v == VerdictLocalized {
		return "Localized"
	}
	return "Lost"
}

// LossReason names the first precondition a sample failed.
type LossReason int

const (
	ReasonNone LossReason = iota
	ReasonSessionNotReady
	ReasonNoTracking
	ReasonYawAccuracy
	ReasonHorizontalAccuracy
)

func (r LossReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonSessionNotReady:
		return "session not ready"
	case ReasonNoTracking:
		return "tracking inactive"
	case ReasonYawAccuracy:
		return "yaw accuracy"
	case ReasonHorizontalAccuracy:
		return "horizontal accuracy"
	default:
		return "unknown"
	}
}

// TrackingLoss reports whether the reason means no usable pose at all,
// as opposed to a pose that is present but inaccurate.
func (r LossReason) TrackingLoss() bool {
	return r == ReasonSessionNotReady || r == ReasonNoTracking
}

// Assessment is the gate's output for one sample.
type Assessment struct {
	Verdict Verdict
	Reason  LossReason
}

// PoseAccuracyGate is a pure policy deciding whether a sample can be
// acted on.
type PoseAccuracyGate struct {
	Thresholds Thresholds
}

// NewPoseAccuracyGate builds a gate with the given thresholds.
func NewPoseAccuracyGate(t Thresholds) PoseAccuracyGate {
	return PoseAccuracyGate{Thresholds: t}
}

// Evaluate checks the session, tracking and accuracy preconditions in
// that order. A nil pose means tracking is not active. NaN accuracies
// never pass.
func (g PoseAccuracyGate) Evaluate(pose *model.GeospatialPose, sessionReady bool) Assessment {
	switch {
	case !sessionReady:
		return Assessment{Verdict: VerdictLost, Reason: ReasonSessionNotReady}
	case pose == nil:
		return Assessment{Verdict: VerdictLost, Reason: ReasonNoTracking}
	case !(pose.YawAccuracy <= g.Thresholds.YawDegrees):
		return Assessment{Verdict: VerdictLost, Reason: ReasonYawAccuracy}
	case !(pose.HorizontalAccuracy <= g.Thresholds.HorizontalMetres):
		return Assessment{Verdict: VerdictLost, Reason: ReasonHorizontalAccuracy}
	}
	return Assessment{Verdict: VerdictLocalized, Reason: ReasonNone}
}

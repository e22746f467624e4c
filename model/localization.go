package model

// LocalizationState is the session-wide localization status. Exactly one
// value is active at a time.
type LocalizationState int

const (
	LocalizationInitializing LocalizationState = iota
	LocalizationLocalizing
	LocalizationLocalized
	// LocalizationLost is entered when tracking drops out entirely after the
	// session was localized. Accuracy regressions go back to Localizing.
	LocalizationLost
	LocalizationTimedOut
	LocalizationFailed
)

func (s LocalizationState) String() string {
	switch s {
	case LocalizationInitializing:
		return "Initializing"
	case LocalizationLocalizing:
		return "Localizing"
	case LocalizationLocalized:
		return "Localized"
	case LocalizationLost:
		return "LocalizationLost"
	case LocalizationTimedOut:
		return "TimedOut"
	case LocalizationFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state ends the session.
func (s LocalizationState) Terminal() bool {
	return s == LocalizationTimedOut || s == LocalizationFailed
}

// TrackingSessionState is the discrete session signal reported by the
// tracking collaborator.
type TrackingSessionState int

const (
	TrackingSessionInitializing TrackingSessionState = iota
	TrackingSessionReady
	TrackingSessionTracking
	TrackingSessionError
)

func (s TrackingSessionState) String() string {
	switch s {
	case TrackingSessionInitializing:
		return "Initializing"
	case TrackingSessionReady:
		return "Ready"
	case TrackingSessionTracking:
		return "Tracking"
	case TrackingSessionError:
		return "Error"
	default:
		return "Unknown"
	}
}

// LocationStatus mirrors the platform location service lifecycle.
type LocationStatus int

const (
	LocationInitializing LocationStatus = iota
	LocationRunning
	LocationFailed
	LocationDisabled
)

func (s LocationStatus) String() string {
	switch s {
	case LocationInitializing:
		return "Initializing"
	case LocationRunning:
		return "Running"
	case LocationFailed:
		return "Failed"
	case LocationDisabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

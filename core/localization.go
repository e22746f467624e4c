package core

import (
	"time"

	"github.com/signalsfoundry/geospatial-session/model"
)

// DefaultLocalizationTimeout bounds how long a session may go without
// localizing before it is abandoned.
const DefaultLocalizationTimeout = 180 * time.Second

// LocalizationConfig parameterises the state machine.
type LocalizationConfig struct {
	Thresholds Thresholds
	Timeout    time.Duration
}

// DefaultLocalizationConfig returns the stock thresholds and timeout.
func DefaultLocalizationConfig() LocalizationConfig {
	return LocalizationConfig{
		Thresholds: DefaultThresholds(),
		Timeout:    DefaultLocalizationTimeout,
	}
}

// Transition is emitted once for every state change.
type Transition struct {
	From   model.LocalizationState
	To     model.LocalizationState
	Reason LossReason
	// FirstLocalized is set on the first entry into Localized for the
	// session. Consumers hang one-time work (history replay) off it.
	FirstLocalized bool
	// Elapsed is the accumulator value at the moment of the transition,
	// before any reset.
	Elapsed time.Duration
	// Detail carries the failure reason for Failed transitions.
	Detail string
}

// Regression reports whether the transition leaves Localized for a
// non-terminal state.
func (t Transition) Regression() bool {
	return t.From == model.LocalizationLocalized && !t.To.Terminal() && t.To != model.LocalizationLocalized
}

// LocalizationStateMachine owns the session-wide localization state and
// the not-localized time accumulator. It is driven from the tick thread
// only and is not safe for concurrent use.
type LocalizationStateMachine struct {
	gate    PoseAccuracyGate
	timeout time.Duration

	state          model.LocalizationState
	elapsed        time.Duration
	everLocalized  bool
	lastAssessment Assessment
}

// NewLocalizationStateMachine starts in Initializing with a zero
// accumulator. A non-positive timeout falls back to the default.
func NewLocalizationStateMachine(cfg LocalizationConfig) *LocalizationStateMachine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLocalizationTimeout
	}
	return &LocalizationStateMachine{
		gate:    NewPoseAccuracyGate(cfg.Thresholds),
		timeout: cfg.Timeout,
		state:   model.LocalizationInitializing,
	}
}

// State returns the current state.
func (m *LocalizationStateMachine) State() model.LocalizationState { return m.state }

// Elapsed returns the time accumulated since the session was last localized.
func (m *LocalizationStateMachine) Elapsed() time.Duration { return m.elapsed }

// LastAssessment returns the gate output of the most recent Evaluate.
func (m *LocalizationStateMachine) LastAssessment() Assessment { return m.lastAssessment }

// EverLocalized reports whether the session has been localized at least once.
func (m *LocalizationStateMachine) EverLocalized() bool { return m.everLocalized }

// Evaluate advances the machine by one tick. pose is nil when tracking is
// not active. The returned transitions are in the order they happened;
// at most two are produced (a state change followed by TimedOut).
func (m *LocalizationStateMachine) Evaluate(pose *model.GeospatialPose, sessionReady bool, dt time.Duration) []Transition {
	if m.state.Terminal() {
		return nil
	}
	if dt < 0 {
		dt = 0
	}

	a := m.gate.Evaluate(pose, sessionReady)
	m.lastAssessment = a

	if a.Verdict == VerdictLocalized {
		if m.state == model.LocalizationLocalized {
			return nil
		}
		tr := Transition{
			From:           m.state,
			To:             model.LocalizationLocalized,
			FirstLocalized: !m.everLocalized,
			Elapsed:        m.elapsed,
		}
		m.state = model.LocalizationLocalized
		m.everLocalized = true
		m.elapsed = 0
		return []Transition{tr}
	}

	var out []Transition
	if next := m.nextUnlocalized(a, sessionReady, pose != nil); next != m.state {
		out = append(out, Transition{From: m.state, To: next, Reason: a.Reason, Elapsed: m.elapsed})
		m.state = next
	}

	m.elapsed += dt
	if m.elapsed > m.timeout {
		out = append(out, Transition{
			From:    m.state,
			To:      model.LocalizationTimedOut,
			Reason:  a.Reason,
			Elapsed: m.elapsed,
		})
		m.state = model.LocalizationTimedOut
	}
	return out
}

func (m *LocalizationStateMachine) nextUnlocalized(a Assessment, sessionReady, tracking bool) model.LocalizationState {
	switch m.state {
	case model.LocalizationLocalized:
		if a.Reason.TrackingLoss() {
			return model.LocalizationLost
		}
		return model.LocalizationLocalizing
	case model.LocalizationInitializing:
		if sessionReady {
			return model.LocalizationLocalizing
		}
	case model.LocalizationLost:
		if sessionReady && tracking {
			return model.LocalizationLocalizing
		}
	}
	return m.state
}

// Fail moves the machine to Failed. It reports false when the machine
// was already terminal.
func (m *LocalizationStateMachine) Fail(reason string) (Transition, bool) {
	if m.state.Terminal() {
		return Transition{}, false
	}
	tr := Transition{
		From:    m.state,
		To:      model.LocalizationFailed,
		Elapsed: m.elapsed,
		Detail:  reason,
	}
	m.state = model.LocalizationFailed
	return tr, true
}

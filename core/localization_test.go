package core

import (
	"testing"
	"time"

	"github.com/signalsfoundry/geospatial-session/model"
)

var (
	accuratePose   = &model.GeospatialPose{YawAccuracy: 5, HorizontalAccuracy: 3}
	inaccuratePose = &model.GeospatialPose{YawAccuracy: 40, HorizontalAccuracy: 3}
)

func TestLocalizationStartsInitializing(t *testing.T) {
	m := NewLocalizationStateMachine(DefaultLocalizationConfig())
	if m.State() != model.LocalizationInitializing {
		t.Fatalf("initial state = %v, want Initializing", m.State())
	}

	trs := m.Evaluate(nil, false, time.Second)
	if len(trs) != 0 || m.State() != model.LocalizationInitializing {
		t.Fatalf("not-ready tick moved state to %v (%d transitions)", m.State(), len(trs))
	}

	trs = m.Evaluate(inaccuratePose, true, time.Second)
	if len(trs) != 1 || trs[0].To != model.LocalizationLocalizing {
		t.Fatalf("ready tick transitions = %+v, want one to Localizing", trs)
	}
	if m.Elapsed() != 2*time.Second {
		t.Fatalf("elapsed = %v, want 2s", m.Elapsed())
	}
}

func TestLocalizationFirstLocalizedFiresOnce(t *testing.T) {
	m := NewLocalizationStateMachine(DefaultLocalizationConfig())
	m.Evaluate(inaccuratePose, true, time.Second)

	trs := m.Evaluate(accuratePose, true, time.Second)
	if len(trs) != 1 || trs[0].To != model.LocalizationLocalized || !trs[0].FirstLocalized {
		t.Fatalf("transitions = %+v, want first Localized", trs)
	}
	if m.Elapsed() != 0 {
		t.Fatalf("elapsed after localizing = %v, want 0", m.Elapsed())
	}

	for i := 0; i < 5; i++ {
		if trs := m.Evaluate(accuratePose, true, time.Second); len(trs) != 0 {
			t.Fatalf("steady Localized tick %d emitted %+v", i, trs)
		}
	}

	// Regress and recover: the second entry is not a first localization.
	trs = m.Evaluate(inaccuratePose, true, time.Second)
	if len(trs) != 1 || !trs[0].Regression() || trs[0].To != model.LocalizationLocalizing {
		t.Fatalf("regression transitions = %+v", trs)
	}
	if trs := m.Evaluate(inaccuratePose, true, time.Second); len(trs) != 0 {
		t.Fatalf("regression reported twice: %+v", trs)
	}
	trs = m.Evaluate(accuratePose, true, time.Second)
	if len(trs) != 1 || trs[0].FirstLocalized {
		t.Fatalf("re-localize transitions = %+v, want non-first Localized", trs)
	}
	if trs[0].Elapsed != 2*time.Second {
		t.Fatalf("elapsed before reset = %v, want 2s", trs[0].Elapsed)
	}
	if m.Elapsed() != 0 {
		t.Fatalf("elapsed after re-localizing = %v, want 0", m.Elapsed())
	}
}

func TestLocalizationTrackingLossGoesToLost(t *testing.T) {
	m := NewLocalizationStateMachine(DefaultLocalizationConfig())
	m.Evaluate(accuratePose, true, time.Second)

	trs := m.Evaluate(nil, true, time.Second)
	if len(trs) != 1 || trs[0].To != model.LocalizationLost || !trs[0].Regression() {
		t.Fatalf("tracking loss transitions = %+v, want Lost", trs)
	}

	trs = m.Evaluate(inaccuratePose, true, time.Second)
	if len(trs) != 1 || trs[0].To != model.LocalizationLocalizing || trs[0].Regression() {
		t.Fatalf("tracking return transitions = %+v, want Localizing", trs)
	}
}

func TestLocalizationIsLocalizedIffLastSampleQualifies(t *testing.T) {
	m := NewLocalizationStateMachine(DefaultLocalizationConfig())
	samples := []struct {
		pose  *model.GeospatialPose
		ready bool
	}{
		{accuratePose, true},
		{accuratePose, false},
		{nil, true},
		{accuratePose, true},
		{inaccuratePose, true},
		{&model.GeospatialPose{YawAccuracy: 1, HorizontalAccuracy: 21}, true},
		{accuratePose, true},
	}
	for i, s := range samples {
		m.Evaluate(s.pose, s.ready, 100*time.Millisecond)
		want := s.ready && s.pose != nil && s.pose.YawAccuracy <= 25 && s.pose.HorizontalAccuracy <= 20
		if got := m.State() == model.LocalizationLocalized; got != want {
			t.Fatalf("sample %d: localized = %v, want %v (state %v)", i, got, want, m.State())
		}
	}
}

func TestLocalizationTimesOutOnceAfterThreshold(t *testing.T) {
	m := NewLocalizationStateMachine(DefaultLocalizationConfig())

	for i := 0; i < 180; i++ {
		for _, tr := range m.Evaluate(inaccuratePose, true, time.Second) {
			if tr.To == model.LocalizationTimedOut {
				t.Fatalf("timed out early at tick %d", i)
			}
		}
	}
	if m.Elapsed() != 180*time.Second {
		t.Fatalf("elapsed = %v, want 180s", m.Elapsed())
	}

	trs := m.Evaluate(inaccuratePose, true, time.Second)
	if len(trs) != 1 || trs[0].To != model.LocalizationTimedOut {
		t.Fatalf("transitions past timeout = %+v, want TimedOut", trs)
	}

	if trs := m.Evaluate(accuratePose, true, time.Second); trs != nil {
		t.Fatalf("terminal state emitted %+v", trs)
	}
	if m.State() != model.LocalizationTimedOut {
		t.Fatalf("state = %v, want TimedOut to stick", m.State())
	}
}

func TestLocalizationElapsedMonotonic(t *testing.T) {
	m := NewLocalizationStateMachine(LocalizationConfig{Thresholds: DefaultThresholds(), Timeout: time.Hour})
	prev := m.Elapsed()
	for _, dt := range []time.Duration{time.Second, -time.Second, 0, 3 * time.Millisecond} {
		m.Evaluate(nil, true, dt)
		if m.Elapsed() < prev {
			t.Fatalf("elapsed decreased from %v to %v", prev, m.Elapsed())
		}
		prev = m.Elapsed()
	}
}

func TestLocalizationFail(t *testing.T) {
	m := NewLocalizationStateMachine(DefaultLocalizationConfig())
	tr, ok := m.Fail("location disabled")
	if !ok || tr.To != model.LocalizationFailed || tr.Detail != "location disabled" {
		t.Fatalf("Fail = %+v, %v", tr, ok)
	}
	if _, ok := m.Fail("again"); ok {
		t.Fatalf("second Fail should report false")
	}
	if trs := m.Evaluate(accuratePose, true, time.Second); trs != nil {
		t.Fatalf("Failed machine emitted %+v", trs)
	}
}

// Package sim provides in-process stand-ins for the device collaborators
// of a session (tracking, location, anchor resolution, surface detection
// and rendering) and a runner that drives them from a YAML scenario.
package sim

import (
	"context"
	"errors"
	"sync"

	"github.com/signalsfoundry/geospatial-session/core"
	"github.com/signalsfoundry/geospatial-session/model"
)

// Tracking is a settable tracking collaborator. It is safe for
// concurrent use.
type Tracking struct {
	mu     sync.RWMutex
	origin model.GeospatialPose
	state  model.TrackingSessionState
	pose   *model.GeospatialPose
}

// NewTracking returns tracking in the Initializing state with no pose.
// origin anchors the local render frame.
func NewTracking(origin model.GeospatialPose) *Tracking {
	return &Tracking{origin: origin}
}

func (t *Tracking) SessionState() model.TrackingSessionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Tracking) EarthPose() *model.GeospatialPose {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.pose == nil {
		return nil
	}
	p := *t.pose
	return &p
}

// CameraPose places the camera at the current geospatial pose expressed
// in the local frame, or at the origin when there is none.
func (t *Tracking) CameraPose() model.Pose {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.pose == nil {
		return model.Pose{Rotation: model.IdentityQuaternion}
	}
	return model.Pose{
		Position: core.LocalOffset(t.origin, t.pose.Latitude, t.pose.Longitude, t.pose.Altitude),
		Rotation: t.pose.Orientation,
	}
}

func (t *Tracking) SetState(s model.TrackingSessionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// SetPose replaces the geospatial pose; nil means geospatial tracking
// is not active.
func (t *Tracking) SetPose(p *model.GeospatialPose) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p == nil {
		t.pose = nil
		return
	}
	cp := *p
	t.pose = &cp
}

// Origin returns the frame origin.
func (t *Tracking) Origin() model.GeospatialPose { return t.origin }

// ErrLocationUnavailable is returned by Start when the location service
// was configured to refuse.
var ErrLocationUnavailable = errors.New("location service unavailable")

// Location is a settable location service. Start moves it to the
// configured status, Running by default.
type Location struct {
	mu          sync.RWMutex
	status      model.LocationStatus
	startStatus model.LocationStatus
	startErr    error
	lat, lon    float64
	started     bool
}

// NewLocation returns a location service that starts Running.
func NewLocation() *Location {
	return &Location{startStatus: model.LocationRunning}
}

// StartWith sets the status Start moves to, and the error it returns.
func (l *Location) StartWith(status model.LocationStatus, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startStatus = status
	l.startErr = err
}

func (l *Location) Start(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = true
	if l.startErr != nil {
		return l.startErr
	}
	l.status = l.startStatus
	return nil
}

func (l *Location) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = false
}

func (l *Location) Status() model.LocationStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

func (l *Location) SetStatus(s model.LocationStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = s
}

// SetLastKnown records the last known fix.
func (l *Location) SetLastKnown(lat, lon float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lat, l.lon = lat, lon
}

// LastKnown returns the last known fix.
func (l *Location) LastKnown() (lat, lon float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lat, l.lon
}

// Started reports whether Start succeeded and Stop has not been called.
func (l *Location) Started() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.started
}

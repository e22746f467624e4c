package session

import (
	"context"
	"time"

	"github.com/signalsfoundry/geospatial-session/internal/anchors"
	"github.com/signalsfoundry/geospatial-session/internal/surfaces"
	"github.com/signalsfoundry/geospatial-session/model"
)

// Tracking is the per-frame device tracking collaborator.
type Tracking interface {
	SessionState() model.TrackingSessionState
	// EarthPose returns nil while geospatial tracking is not active.
	EarthPose() *model.GeospatialPose
	// CameraPose is the camera pose in the local render frame.
	CameraPose() model.Pose
}

// LocationService is the platform location provider.
type LocationService interface {
	Start(ctx context.Context) error
	Stop()
	Status() model.LocationStatus
}

// Renderer draws both anchors and surface geometry.
type Renderer interface {
	anchors.Renderer
	surfaces.Renderer
}

// Collaborators are the external capabilities a session needs. Every
// field is required; Start reports a fatal error naming any that are
// missing.
type Collaborators struct {
	Tracking Tracking
	Location LocationService
	Backend  anchors.Backend
	Surfaces surfaces.Source
	Renderer Renderer
	History  anchors.HistoryStore
}

func (c Collaborators) missing() []string {
	var out []string
	if c.Tracking == nil {
		out = append(out, "tracking")
	}
	if c.Location == nil {
		out = append(out, "location")
	}
	if c.Backend == nil {
		out = append(out, "anchor backend")
	}
	if c.Surfaces == nil {
		out = append(out, "surface detection")
	}
	if c.Renderer == nil {
		out = append(out, "renderer")
	}
	if c.History == nil {
		out = append(out, "history store")
	}
	return out
}

// MetricsRecorder receives session-level metrics. The anchor and surface
// counts it also implements are forwarded to the owned components.
type MetricsRecorder interface {
	anchors.MetricsRecorder
	surfaces.MetricsRecorder
	ObserveTransition(from, to model.LocalizationState)
	ObserveTick(d time.Duration)
	IncFatal()
}

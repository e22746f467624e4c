package session

import (
	"time"

	"github.com/signalsfoundry/geospatial-session/model"
)

// Snapshot is a read-only view of the session published at the end of
// every tick. It is safe to read from any goroutine.
type Snapshot struct {
	Frame uint64

	Localization    model.LocalizationState
	Tracking        model.TrackingSessionState
	Location        model.LocationStatus
	Pose            *model.GeospatialPose
	NotLocalizedFor time.Duration
	EverLocalized   bool

	AnchorType        model.AnchorType
	Anchors           []model.AnchorRecord
	Pending           int
	HistoryEntries    int
	Quota             int
	AnchorsVisible    bool
	AffordanceVisible bool

	GeometryShown bool
	Surfaces      int

	Status   string
	Messages []string

	Fatal      string
	Terminated bool

	err error
}

// Snapshot returns the state published by the most recent tick.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

func (c *Controller) publish() {
	s := Snapshot{
		Frame:             c.frame,
		Localization:      c.machine.State(),
		Tracking:          c.lastTracking,
		Location:          c.lastLocation,
		NotLocalizedFor:   c.machine.Elapsed(),
		EverLocalized:     c.machine.EverLocalized(),
		AnchorType:        c.anchorType,
		Anchors:           c.anchors.Records(),
		Pending:           c.anchors.PendingCount(),
		HistoryEntries:    len(c.anchors.History()),
		Quota:             c.anchors.Quota(),
		AnchorsVisible:    c.anchors.Visible(),
		AffordanceVisible: c.anchors.AffordanceVisible() && c.fatal == nil,
		GeometryShown:     c.showGeometry,
		Surfaces:          c.geometry.Count(),
		Status:            c.status.Current(),
		Messages:          c.status.Recent(),
		Terminated:        c.closed,
	}
	if c.lastPose != nil {
		p := *c.lastPose
		s.Pose = &p
	}
	if c.fatal != nil {
		s.Fatal = c.fatal.Reason
		s.err = c.fatal
	}

	c.mu.Lock()
	c.snapshot = s
	c.mu.Unlock()
}

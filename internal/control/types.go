package control

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/geospatial-session/internal/session"
	"github.com/signalsfoundry/geospatial-session/model"
)

// PlaceRequest is the body of POST /anchors. Latitude and longitude go
// together; without them the anchor is placed at the device.
type PlaceRequest struct {
	Type        string            `json:"type,omitempty"`
	Latitude    *float64          `json:"latitude,omitempty"`
	Longitude   *float64          `json:"longitude,omitempty"`
	Altitude    float64           `json:"altitude,omitempty"`
	Orientation *model.Quaternion `json:"orientation,omitempty"`
	Surface     string            `json:"surface,omitempty"`
}

// Tap converts the request to a placement gesture.
func (p PlaceRequest) Tap() (session.Tap, error) {
	tap := session.Tap{Surface: model.TrackableID(p.Surface)}
	if p.Type != "" {
		t, err := model.ParseAnchorType(p.Type)
		if err != nil {
			return session.Tap{}, err
		}
		tap.Type = &t
	}
	switch {
	case p.Latitude != nil && p.Longitude != nil:
		if *p.Latitude < -90 || *p.Latitude > 90 || *p.Longitude < -180 || *p.Longitude > 180 {
			return session.Tap{}, fmt.Errorf("%w: position out of range", ErrInvalidRequest)
		}
		tap.Position = &session.GeoPosition{Latitude: *p.Latitude, Longitude: *p.Longitude, Altitude: p.Altitude}
	case p.Latitude != nil || p.Longitude != nil:
		return session.Tap{}, fmt.Errorf("%w: latitude and longitude must be given together", ErrInvalidRequest)
	}
	if p.Orientation != nil {
		if p.Orientation.IsZero() {
			return session.Tap{}, fmt.Errorf("%w: orientation must be non-zero", ErrInvalidRequest)
		}
		q := *p.Orientation
		tap.Orientation = &q
	}
	return tap, nil
}

// PlaceResponse names the placed anchor. It may still be resolving.
type PlaceResponse struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// GeometryRequest is the body of PUT /geometry.
type GeometryRequest struct {
	Show *bool `json:"show"`
}

type GeometryResponse struct {
	Shown bool `json:"shown"`
}

// AnchorTypeRequest is the body of PUT /anchor-type and its response.
type AnchorTypeRequest struct {
	Type string `json:"type"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// AnchorView is the JSON form of a live anchor.
type AnchorView struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	Status    string           `json:"status"`
	Source    string           `json:"source"`
	Latitude  float64          `json:"latitude"`
	Longitude float64          `json:"longitude"`
	Altitude  float64          `json:"altitude"`
	Rotation  model.Quaternion `json:"rotation"`
	Scale     float64          `json:"scale,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

func NewAnchorView(rec model.AnchorRecord) AnchorView {
	return AnchorView{
		ID:        string(rec.ID),
		Type:      rec.Type.String(),
		Status:    rec.Status.String(),
		Source:    rec.Source.String(),
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
		Altitude:  rec.Altitude,
		Rotation:  rec.Orientation,
		Scale:     rec.Scale,
		CreatedAt: rec.CreatedAt,
	}
}

// PoseView is the JSON form of the last geospatial pose.
type PoseView struct {
	Latitude           float64 `json:"latitude"`
	Longitude          float64 `json:"longitude"`
	Altitude           float64 `json:"altitude"`
	HorizontalAccuracy float64 `json:"horizontal_accuracy"`
	YawAccuracy        float64 `json:"yaw_accuracy"`
}

// StatusView is the body of GET /status.
type StatusView struct {
	Frame             uint64    `json:"frame"`
	Localization      string    `json:"localization"`
	Tracking          string    `json:"tracking"`
	Location          string    `json:"location"`
	NotLocalizedFor   string    `json:"not_localized_for"`
	EverLocalized     bool      `json:"ever_localized"`
	Pose              *PoseView `json:"pose,omitempty"`
	AnchorType        string    `json:"anchor_type"`
	Anchors           int       `json:"anchors"`
	Pending           int       `json:"pending"`
	Quota             int       `json:"quota"`
	HistoryEntries    int       `json:"history_entries"`
	AnchorsVisible    bool      `json:"anchors_visible"`
	AffordanceVisible bool      `json:"affordance_visible"`
	GeometryShown     bool      `json:"geometry_shown"`
	Surfaces          int       `json:"surfaces"`
	Status            string    `json:"status"`
	Messages          []string  `json:"messages"`
	Fatal             string    `json:"fatal,omitempty"`
	Terminated        bool      `json:"terminated"`
}

func NewStatusView(s session.Snapshot) StatusView {
	v := StatusView{
		Frame:             s.Frame,
		Localization:      s.Localization.String(),
		Tracking:          s.Tracking.String(),
		Location:          s.Location.String(),
		NotLocalizedFor:   s.NotLocalizedFor.String(),
		EverLocalized:     s.EverLocalized,
		AnchorType:        s.AnchorType.String(),
		Anchors:           len(s.Anchors),
		Pending:           s.Pending,
		Quota:             s.Quota,
		HistoryEntries:    s.HistoryEntries,
		AnchorsVisible:    s.AnchorsVisible,
		AffordanceVisible: s.AffordanceVisible,
		GeometryShown:     s.GeometryShown,
		Surfaces:          s.Surfaces,
		Status:            s.Status,
		Messages:          s.Messages,
		Fatal:             s.Fatal,
		Terminated:        s.Terminated,
	}
	if v.Messages == nil {
		v.Messages = []string{}
	}
	if s.Pose != nil {
		v.Pose = &PoseView{
			Latitude:           s.Pose.Latitude,
			Longitude:          s.Pose.Longitude,
			Altitude:           s.Pose.Altitude,
			HorizontalAccuracy: s.Pose.HorizontalAccuracy,
			YawAccuracy:        s.Pose.YawAccuracy,
		}
	}
	return v
}

package model

import (
	"fmt"
	"strings"
	"time"
)

// AnchorType selects the resolution backend for an anchor. It never
// changes once a record exists.
type AnchorType int

const (
	AnchorGeospatial AnchorType = iota
	AnchorTerrain
	AnchorRooftop
)

func (t AnchorType) String() string {
	switch t {
	case AnchorGeospatial:
		return "Geospatial"
	case AnchorTerrain:
		return "Terrain"
	case AnchorRooftop:
		return "Rooftop"
	default:
		return fmt.Sprintf("AnchorType(%d)", int(t))
	}
}

// Valid reports whether t names a known backend.
func (t AnchorType) Valid() bool {
	return t >= AnchorGeospatial && t <= AnchorRooftop
}

// ParseAnchorType accepts the String form case-insensitively.
func ParseAnchorType(s string) (AnchorType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "geospatial":
		return AnchorGeospatial, nil
	case "terrain":
		return AnchorTerrain, nil
	case "rooftop":
		return AnchorRooftop, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAnchorType, s)
	}
}

// MarshalText encodes the type by name so persisted history stays readable.
func (t AnchorType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAnchorType, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a type written by MarshalText.
func (t *AnchorType) UnmarshalText(b []byte) error {
	parsed, err := ParseAnchorType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ResolutionStatus tracks an anchor record through resolution.
type ResolutionStatus int

const (
	ResolutionPending ResolutionStatus = iota
	ResolutionResolved
	ResolutionFailed
)

func (s ResolutionStatus) String() string {
	switch s {
	case ResolutionPending:
		return "Pending"
	case ResolutionResolved:
		return "Resolved"
	case ResolutionFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// AnchorID identifies a live anchor record.
type AnchorID string

// AnchorHandle is the backend's handle for a resolved anchor.
type AnchorHandle string

// RenderHandle is an opaque handle owned by the rendering collaborator.
// The zero value means no render object.
type RenderHandle uint64

// AnchorRecord is a live anchor owned by the lifecycle manager.
type AnchorRecord struct {
	ID          AnchorID
	Type        AnchorType
	Latitude    float64
	Longitude   float64
	Altitude    float64
	Orientation Quaternion
	Status      ResolutionStatus

	Anchor AnchorHandle
	Render RenderHandle
	// Pose is the resolved local pose, valid once Status is Resolved.
	Pose  Pose
	Scale float64

	Source    PlacementSource
	CreatedAt time.Time
}

// History projects the record onto its durable form.
func (r AnchorRecord) History() AnchorHistoryEntry {
	orientation := r.Orientation
	return AnchorHistoryEntry{
		CreatedAt:   r.CreatedAt,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Altitude:    r.Altitude,
		Type:        r.Type,
		Orientation: &orientation,
	}
}

// AnchorHistoryEntry is the durable projection of a placed anchor. It is
// the source of truth for replay after a restart.
type AnchorHistoryEntry struct {
	CreatedAt time.Time  `json:"created_at"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Altitude  float64    `json:"altitude"`
	Type      AnchorType `json:"anchor_type"`

	// Heading is only present on entries written before orientation was
	// tracked; it feeds the legacy rotation fallback.
	Heading float64 `json:"heading,omitempty"`
	// Orientation is nil on legacy entries.
	Orientation *Quaternion `json:"eun_rotation,omitempty"`
}

// HasOrientation reports whether the entry carries a usable rotation.
func (e AnchorHistoryEntry) HasOrientation() bool {
	return e.Orientation != nil && !e.Orientation.IsZero()
}

// PlacementSource distinguishes user taps from history replay.
type PlacementSource int

const (
	SourceInteractive PlacementSource = iota
	SourceReplay
)

func (s PlacementSource) String() string {
	if s == SourceReplay {
		return "replay"
	}
	return "interactive"
}

// PlacementRequest is the single entry point input for anchor placement.
type PlacementRequest struct {
	Type        AnchorType
	Latitude    float64
	Longitude   float64
	Altitude    float64
	Orientation Quaternion
	// Surface names the detected surface a Geospatial anchor attaches to.
	// Empty means a free-standing geospatial anchor.
	Surface TrackableID
	Source  PlacementSource
}

package sim

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/signalsfoundry/geospatial-session/core"
	"github.com/signalsfoundry/geospatial-session/internal/config"
	"github.com/signalsfoundry/geospatial-session/model"
)

const (
	// DefaultTick is the frame length used when a scenario names none.
	DefaultTick = 100 * time.Millisecond
	// settleTime is how long a scenario without a duration keeps running
	// after its last step.
	settleTime = 2 * time.Second
)

// Scenario is a scripted session: a world description plus timed steps
// that change what the collaborators report.
type Scenario struct {
	Name     string          `yaml:"name"`
	Tick     config.Duration `yaml:"tick"`
	Duration config.Duration `yaml:"duration"`

	Origin           Origin  `yaml:"origin"`
	TerrainElevation float64 `yaml:"terrain_elevation"`
	RooftopHeight    float64 `yaml:"rooftop_height"`
	ResolveAfter     *int    `yaml:"resolve_after"`
	CoverageRadius   float64 `yaml:"coverage_radius"`

	History []HistoryEntry `yaml:"history"`
	Steps   []Step         `yaml:"steps"`
}

// Origin is the geodetic origin of the local frame.
type Origin struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Altitude  float64 `yaml:"altitude"`
}

// HistoryEntry seeds the anchor history before the session starts.
type HistoryEntry struct {
	Type        string            `yaml:"type"`
	Latitude    float64           `yaml:"latitude"`
	Longitude   float64           `yaml:"longitude"`
	Altitude    float64           `yaml:"altitude"`
	Heading     float64           `yaml:"heading"`
	Orientation *model.Quaternion `yaml:"orientation"`
}

// Step is applied once, on the first frame at or after At.
type Step struct {
	At config.Duration `yaml:"at"`

	Tracking string     `yaml:"tracking"`
	Location string     `yaml:"location"`
	Pose     *PoseStep  `yaml:"pose"`
	LosePose bool       `yaml:"lose_pose"`
	Surfaces *BatchStep `yaml:"surfaces"`

	Place        *PlaceStep     `yaml:"place"`
	ClearAll     bool           `yaml:"clear_all"`
	ShowGeometry *bool          `yaml:"show_geometry"`
	SelectType   string         `yaml:"select_type"`
	FailNext     map[string]int `yaml:"fail_next"`
}

// PoseStep sets the device pose as an offset from the origin.
type PoseStep struct {
	East               float64 `yaml:"east"`
	North              float64 `yaml:"north"`
	Up                 float64 `yaml:"up"`
	HorizontalAccuracy float64 `yaml:"horizontal_accuracy"`
	VerticalAccuracy   float64 `yaml:"vertical_accuracy"`
	YawAccuracy        float64 `yaml:"yaw_accuracy"`
	// Heading is the compass heading in degrees.
	Heading float64 `yaml:"heading"`
}

// BatchStep publishes one surface detection batch.
type BatchStep struct {
	Added   []SurfaceSpec `yaml:"added"`
	Updated []SurfaceSpec `yaml:"updated"`
	Removed []SurfaceSpec `yaml:"removed"`
}

// SurfaceSpec describes a detected surface positioned relative to the
// origin.
type SurfaceSpec struct {
	ID       string  `yaml:"id"`
	Category string  `yaml:"category"`
	Mesh     string  `yaml:"mesh"`
	East     float64 `yaml:"east"`
	North    float64 `yaml:"north"`
	Up       float64 `yaml:"up"`
}

// PlaceStep taps to place an anchor. Without offsets the anchor goes at
// the device's position.
type PlaceStep struct {
	Type    string   `yaml:"type"`
	East    *float64 `yaml:"east"`
	North   *float64 `yaml:"north"`
	Up      float64  `yaml:"up"`
	Surface string   `yaml:"surface"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sim: read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes a YAML scenario, fills defaults and validates it.
// Steps are ordered by time.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("sim: parse scenario: %w", err)
	}
	if sc.Tick <= 0 {
		sc.Tick = config.Duration(DefaultTick)
	}
	sort.SliceStable(sc.Steps, func(i, j int) bool { return sc.Steps[i].At < sc.Steps[j].At })
	if sc.Duration <= 0 {
		var last time.Duration
		if n := len(sc.Steps); n > 0 {
			last = sc.Steps[n-1].At.Std()
		}
		sc.Duration = config.Duration(last + settleTime)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks every enumerated value in the scenario.
func (sc *Scenario) Validate() error {
	var errs []error
	if sc.ResolveAfter != nil && *sc.ResolveAfter < 0 {
		errs = append(errs, fmt.Errorf("resolve_after must be >= 0, got %d", *sc.ResolveAfter))
	}
	if sc.CoverageRadius < 0 {
		errs = append(errs, fmt.Errorf("coverage_radius must be >= 0, got %v", sc.CoverageRadius))
	}
	for i, h := range sc.History {
		if _, err := model.ParseAnchorType(h.Type); err != nil {
			errs = append(errs, fmt.Errorf("history[%d]: %w", i, err))
		}
	}
	for i, st := range sc.Steps {
		if err := st.validate(); err != nil {
			errs = append(errs, fmt.Errorf("steps[%d] at %s: %w", i, st.At.Std(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sim: invalid scenario: %w", errors.Join(errs...))
	}
	return nil
}

func (st Step) validate() error {
	var errs []error
	if st.Tracking != "" {
		if _, err := ParseTrackingState(st.Tracking); err != nil {
			errs = append(errs, err)
		}
	}
	if st.Location != "" {
		if _, err := ParseLocationStatus(st.Location); err != nil {
			errs = append(errs, err)
		}
	}
	if st.SelectType != "" {
		if _, err := model.ParseAnchorType(st.SelectType); err != nil {
			errs = append(errs, err)
		}
	}
	if st.Place != nil && st.Place.Type != "" {
		if _, err := model.ParseAnchorType(st.Place.Type); err != nil {
			errs = append(errs, err)
		}
	}
	for name := range st.FailNext {
		if _, err := model.ParseAnchorType(name); err != nil {
			errs = append(errs, err)
		}
	}
	if st.Surfaces != nil {
		for _, group := range [][]SurfaceSpec{st.Surfaces.Added, st.Surfaces.Updated, st.Surfaces.Removed} {
			for _, s := range group {
				if s.ID == "" {
					errs = append(errs, errors.New("surface without id"))
				}
				if _, err := parseCategory(s.Category); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// OriginPose returns the origin as a geospatial pose.
func (sc *Scenario) OriginPose() model.GeospatialPose {
	return model.GeospatialPose{
		Latitude:    sc.Origin.Latitude,
		Longitude:   sc.Origin.Longitude,
		Altitude:    sc.Origin.Altitude,
		Orientation: model.IdentityQuaternion,
	}
}

// HistoryEntries converts the seeded history. Call after Validate.
func (sc *Scenario) HistoryEntries() []model.AnchorHistoryEntry {
	out := make([]model.AnchorHistoryEntry, 0, len(sc.History))
	for _, h := range sc.History {
		t, _ := model.ParseAnchorType(h.Type)
		e := model.AnchorHistoryEntry{
			Latitude:  h.Latitude,
			Longitude: h.Longitude,
			Altitude:  h.Altitude,
			Type:      t,
			Heading:   h.Heading,
		}
		if h.Orientation != nil {
			q := *h.Orientation
			e.Orientation = &q
		}
		out = append(out, e)
	}
	return out
}

// GeospatialPose converts the step to an absolute pose around origin.
func (p PoseStep) GeospatialPose(origin model.GeospatialPose) model.GeospatialPose {
	lat, lon, alt := core.Geodetic(origin, model.Vec3{X: p.East, Y: p.Up, Z: p.North})
	return model.GeospatialPose{
		Latitude:           lat,
		Longitude:          lon,
		Altitude:           alt,
		HorizontalAccuracy: p.HorizontalAccuracy,
		VerticalAccuracy:   p.VerticalAccuracy,
		Orientation:        core.RotateAroundUp(-p.Heading),
		YawAccuracy:        p.YawAccuracy,
	}
}

// Batch converts the step to a surface batch around origin.
func (b BatchStep) Batch(origin model.GeospatialPose) model.SurfaceBatch {
	convert := func(specs []SurfaceSpec) []model.SurfaceGeometry {
		if len(specs) == 0 {
			return nil
		}
		out := make([]model.SurfaceGeometry, 0, len(specs))
		for _, s := range specs {
			cat, _ := parseCategory(s.Category)
			out = append(out, model.SurfaceGeometry{
				ID:       model.TrackableID(s.ID),
				Category: cat,
				Mesh:     []byte(s.Mesh),
				Pose: model.Pose{
					Position: model.Vec3{X: s.East, Y: s.Up, Z: s.North},
					Rotation: model.IdentityQuaternion,
				},
			})
		}
		return out
	}
	return model.SurfaceBatch{
		Added:   convert(b.Added),
		Updated: convert(b.Updated),
		Removed: convert(b.Removed),
	}
}

// ParseTrackingState accepts the String form of a tracking state.
func ParseTrackingState(s string) (model.TrackingSessionState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initializing":
		return model.TrackingSessionInitializing, nil
	case "ready":
		return model.TrackingSessionReady, nil
	case "tracking":
		return model.TrackingSessionTracking, nil
	case "error":
		return model.TrackingSessionError, nil
	default:
		return 0, fmt.Errorf("unknown tracking state %q", s)
	}
}

// ParseLocationStatus accepts the String form of a location status.
func ParseLocationStatus(s string) (model.LocationStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initializing":
		return model.LocationInitializing, nil
	case "running":
		return model.LocationRunning, nil
	case "failed":
		return model.LocationFailed, nil
	case "disabled":
		return model.LocationDisabled, nil
	default:
		return 0, fmt.Errorf("unknown location status %q", s)
	}
}

func parseCategory(s string) (model.SurfaceCategory, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "building":
		return model.SurfaceBuilding, nil
	case "terrain":
		return model.SurfaceTerrain, nil
	default:
		return 0, fmt.Errorf("unknown surface category %q", s)
	}
}

package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/geospatial-session/core"
	"github.com/signalsfoundry/geospatial-session/internal/anchors"
	"github.com/signalsfoundry/geospatial-session/model"
)

// DefaultResolveAfter is how many polls a terrain or rooftop future
// stays in flight.
const DefaultResolveAfter = 2

// ErrEarthNotTracking is what AddGeospatial reports when told to fail.
var ErrEarthNotTracking = errors.New("earth is not tracking")

// Call records one request made to the backend.
type Call struct {
	Type      model.AnchorType
	Latitude  float64
	Longitude float64
	// Altitude is absolute for Geospatial calls and an offset otherwise.
	Altitude float64
	Rotation model.Quaternion
	Surface  model.TrackableID
}

// AnchorBackend resolves anchors against a flat world: terrain sits at
// a fixed elevation and every rooftop at a fixed height above it. Local
// poses are expressed relative to origin.
type AnchorBackend struct {
	mu sync.Mutex

	origin           model.GeospatialPose
	terrainElevation float64
	rooftopHeight    float64
	resolveAfter     int
	coverage         float64

	failNext map[model.AnchorType]int
	calls    []Call
	removed  []model.AnchorHandle
	inflight []*future
	next     int
}

// BackendOption configures an AnchorBackend.
type BackendOption func(*AnchorBackend)

// WithTerrainElevation sets the terrain altitude in metres.
func WithTerrainElevation(m float64) BackendOption {
	return func(b *AnchorBackend) { b.terrainElevation = m }
}

// WithRooftopHeight sets the rooftop height above terrain in metres.
func WithRooftopHeight(m float64) BackendOption {
	return func(b *AnchorBackend) { b.rooftopHeight = m }
}

// WithResolveAfter sets how many polls a future takes to complete.
func WithResolveAfter(polls int) BackendOption {
	return func(b *AnchorBackend) {
		if polls >= 0 {
			b.resolveAfter = polls
		}
	}
}

// WithCoverageRadius limits terrain and rooftop resolution to points
// within m metres of the origin. Zero means unlimited.
func WithCoverageRadius(m float64) BackendOption {
	return func(b *AnchorBackend) {
		if m >= 0 {
			b.coverage = m
		}
	}
}

// NewAnchorBackend returns a backend anchored at origin.
func NewAnchorBackend(origin model.GeospatialPose, opts ...BackendOption) *AnchorBackend {
	b := &AnchorBackend{
		origin:       origin,
		resolveAfter: DefaultResolveAfter,
		failNext:     make(map[model.AnchorType]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FailNext makes the next n requests of type t fail.
func (b *AnchorBackend) FailNext(t model.AnchorType, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[t] += n
}

func (b *AnchorBackend) consumeFailure(t model.AnchorType) bool {
	if b.failNext[t] > 0 {
		b.failNext[t]--
		return true
	}
	return false
}

func (b *AnchorBackend) handle() model.AnchorHandle {
	b.next++
	return model.AnchorHandle(fmt.Sprintf("sim-anchor-%d", b.next))
}

func (b *AnchorBackend) pose(lat, lon, alt float64, rot model.Quaternion) model.Pose {
	return model.Pose{Position: core.LocalOffset(b.origin, lat, lon, alt), Rotation: rot}
}

func (b *AnchorBackend) AttachToSurface(surface model.SurfaceGeometryEntity, lat, lon, alt float64, rot model.Quaternion) (anchors.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{Type: model.AnchorGeospatial, Latitude: lat, Longitude: lon, Altitude: alt, Rotation: rot, Surface: surface.ID})
	if b.consumeFailure(model.AnchorGeospatial) {
		return anchors.Result{State: anchors.ResultFailed, Reason: "surface lost tracking"}, nil
	}
	return anchors.Result{
		State:  anchors.ResultSucceeded,
		Anchor: b.handle(),
		Pose:   model.Pose{Position: surface.Pose.Position, Rotation: rot},
	}, nil
}

func (b *AnchorBackend) AddGeospatial(lat, lon, alt float64, rot model.Quaternion) (anchors.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{Type: model.AnchorGeospatial, Latitude: lat, Longitude: lon, Altitude: alt, Rotation: rot})
	if b.consumeFailure(model.AnchorGeospatial) {
		return anchors.Result{}, ErrEarthNotTracking
	}
	return anchors.Result{State: anchors.ResultSucceeded, Anchor: b.handle(), Pose: b.pose(lat, lon, alt, rot)}, nil
}

func (b *AnchorBackend) ResolveOnTerrain(lat, lon, offset float64, rot model.Quaternion) anchors.Future {
	return b.issue(model.AnchorTerrain, lat, lon, offset, b.terrainElevation+offset, rot)
}

func (b *AnchorBackend) ResolveOnRooftop(lat, lon, offset float64, rot model.Quaternion) anchors.Future {
	return b.issue(model.AnchorRooftop, lat, lon, offset, b.terrainElevation+b.rooftopHeight+offset, rot)
}

func (b *AnchorBackend) issue(t model.AnchorType, lat, lon, offset, alt float64, rot model.Quaternion) anchors.Future {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{Type: t, Latitude: lat, Longitude: lon, Altitude: offset, Rotation: rot})

	f := &future{remaining: b.resolveAfter}
	if b.outsideCoverage(lat, lon) || b.consumeFailure(t) {
		f.result = anchors.Result{State: anchors.ResultFailed, Reason: "not available at this location"}
	} else {
		f.result = anchors.Result{State: anchors.ResultSucceeded, Anchor: b.handle(), Pose: b.pose(lat, lon, alt, rot)}
	}
	b.inflight = append(b.inflight, f)
	return f
}

func (b *AnchorBackend) outsideCoverage(lat, lon float64) bool {
	if b.coverage == 0 {
		return false
	}
	return core.GreatCircleDistance(b.origin.Latitude, b.origin.Longitude, lat, lon) > b.coverage
}

func (b *AnchorBackend) Remove(h model.AnchorHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, h)
}

// Calls returns every request made so far, in order.
func (b *AnchorBackend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Removed returns the handles passed to Remove, in order.
func (b *AnchorBackend) Removed() []model.AnchorHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.AnchorHandle(nil), b.removed...)
}

// Cancelled counts futures cancelled before completing.
func (b *AnchorBackend) Cancelled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, f := range b.inflight {
		if f.isCancelled() {
			n++
		}
	}
	return n
}

// future completes after a fixed number of polls.
type future struct {
	mu        sync.Mutex
	remaining int
	result    anchors.Result
	cancelled bool
}

func (f *future) Poll() (anchors.Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return anchors.Result{State: anchors.ResultCancelled, Reason: "cancelled"}, true
	}
	if f.remaining > 0 {
		f.remaining--
		return anchors.Result{}, false
	}
	return f.result, true
}

func (f *future) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining > 0 {
		f.cancelled = true
	}
}

func (f *future) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

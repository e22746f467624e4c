package anchors

import (
	"fmt"

	"github.com/signalsfoundry/geospatial-session/model"
)

// ResultState is the terminal outcome of a resolution attempt.
type ResultState int

const (
	ResultSucceeded ResultState = iota
	ResultFailed
	ResultCancelled
)

func (s ResultState) String() string {
	switch s {
	case ResultSucceeded:
		return "succeeded"
	case ResultFailed:
		return "failed"
	case ResultCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is what a backend reports once an anchor has been resolved or
// declined.
type Result struct {
	State  ResultState
	Anchor model.AnchorHandle
	// Pose is the anchor's pose in the local render frame.
	Pose   model.Pose
	Reason string
}

// Future is a pollable handle on an in-flight resolution. Poll never
// blocks; it reports false until the backend has an answer.
type Future interface {
	Poll() (Result, bool)
	Cancel()
}

// Backend is the anchor resolution collaborator.
type Backend interface {
	// AttachToSurface anchors to a live surface entity synchronously.
	AttachToSurface(surface model.SurfaceGeometryEntity, lat, lon, alt float64, rot model.Quaternion) (Result, error)
	// AddGeospatial creates a free-standing anchor at an absolute altitude.
	AddGeospatial(lat, lon, alt float64, rot model.Quaternion) (Result, error)
	ResolveOnTerrain(lat, lon, altitudeOffset float64, rot model.Quaternion) Future
	ResolveOnRooftop(lat, lon, altitudeOffset float64, rot model.Quaternion) Future
	// Remove detaches a resolved anchor from the backend.
	Remove(model.AnchorHandle)
}

// SurfaceLookup finds live surface entities by id.
type SurfaceLookup interface {
	Lookup(id model.TrackableID) (model.SurfaceGeometryEntity, bool)
}

// Attempt is an issued resolution: either already finished (Geospatial)
// or waiting on a Future (Terrain, Rooftop).
type Attempt struct {
	Immediate *Result
	Future    Future
}

// Resolver issues and polls resolution requests. It keeps no per-request
// state; the lifecycle manager owns every in-flight attempt.
type Resolver struct {
	backend  Backend
	surfaces SurfaceLookup

	// Altitude offsets passed to the terrain and rooftop backends.
	TerrainAltitudeOffset float64
	RooftopAltitudeOffset float64
}

// NewResolver wires a resolver to its backend. surfaces may be nil, in
// which case every surface-attached placement fails.
func NewResolver(backend Backend, surfaces SurfaceLookup) *Resolver {
	return &Resolver{backend: backend, surfaces: surfaces}
}

// Begin issues a resolution for req.
func (r *Resolver) Begin(req model.PlacementRequest) (Attempt, error) {
	switch req.Type {
	case model.AnchorGeospatial:
		res, err := r.resolveGeospatial(req)
		if err != nil {
			return Attempt{}, err
		}
		return Attempt{Immediate: &res}, nil
	case model.AnchorTerrain:
		return Attempt{Future: r.backend.ResolveOnTerrain(req.Latitude, req.Longitude, r.TerrainAltitudeOffset, req.Orientation)}, nil
	case model.AnchorRooftop:
		return Attempt{Future: r.backend.ResolveOnRooftop(req.Latitude, req.Longitude, r.RooftopAltitudeOffset, req.Orientation)}, nil
	default:
		return Attempt{}, fmt.Errorf("%w: %v", model.ErrUnknownAnchorType, req.Type)
	}
}

func (r *Resolver) resolveGeospatial(req model.PlacementRequest) (Result, error) {
	var (
		res Result
		err error
	)
	if req.Surface != "" {
		if r.surfaces == nil {
			return Result{}, fmt.Errorf("%w: %s", model.ErrNoSurfaceAtLocation, req.Surface)
		}
		surface, ok := r.surfaces.Lookup(req.Surface)
		if !ok {
			return Result{}, fmt.Errorf("%w: %s", model.ErrNoSurfaceAtLocation, req.Surface)
		}
		res, err = r.backend.AttachToSurface(surface, req.Latitude, req.Longitude, req.Altitude, req.Orientation)
	} else {
		res, err = r.backend.AddGeospatial(req.Latitude, req.Longitude, req.Altitude, req.Orientation)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", model.ErrResolutionFailed, err)
	}
	if res.State != ResultSucceeded {
		return Result{}, fmt.Errorf("%w: %s", model.ErrResolutionFailed, res.Reason)
	}
	return res, nil
}

// Poll checks an in-flight attempt without blocking.
func (r *Resolver) Poll(f Future) (Result, bool) {
	if f == nil {
		return Result{State: ResultFailed, Reason: "no future"}, true
	}
	return f.Poll()
}

package anchors

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/geospatial-session/model"
)

type fakeFuture struct {
	result    Result
	done      bool
	cancelled bool
}

func (f *fakeFuture) Poll() (Result, bool) { return f.result, f.done }
func (f *fakeFuture) Cancel()              { f.cancelled = true }

func (f *fakeFuture) succeed(handle string, pos model.Vec3) {
	f.result = Result{State: ResultSucceeded, Anchor: model.AnchorHandle(handle), Pose: model.Pose{Position: pos}}
	f.done = true
}

func (f *fakeFuture) fail(reason string) {
	f.result = Result{State: ResultFailed, Reason: reason}
	f.done = true
}

type resolveCall struct {
	Type     model.AnchorType
	Lat, Lon float64
	Offset   float64
	Rotation model.Quaternion
}

type fakeBackend struct {
	futures  []*fakeFuture
	calls    []resolveCall
	attached []model.TrackableID
	removed  []model.AnchorHandle
	next     int

	failGeospatial bool
}

func (b *fakeBackend) handle() model.AnchorHandle {
	b.next++
	return model.AnchorHandle(fmt.Sprintf("anchor-%d", b.next))
}

func (b *fakeBackend) AttachToSurface(surface model.SurfaceGeometryEntity, lat, lon, alt float64, rot model.Quaternion) (Result, error) {
	b.attached = append(b.attached, surface.ID)
	b.calls = append(b.calls, resolveCall{Type: model.AnchorGeospatial, Lat: lat, Lon: lon, Rotation: rot})
	return Result{State: ResultSucceeded, Anchor: b.handle(), Pose: surface.Pose}, nil
}

func (b *fakeBackend) AddGeospatial(lat, lon, alt float64, rot model.Quaternion) (Result, error) {
	b.calls = append(b.calls, resolveCall{Type: model.AnchorGeospatial, Lat: lat, Lon: lon, Rotation: rot})
	if b.failGeospatial {
		return Result{}, errors.New("earth not tracking")
	}
	return Result{State: ResultSucceeded, Anchor: b.handle()}, nil
}

func (b *fakeBackend) ResolveOnTerrain(lat, lon, offset float64, rot model.Quaternion) Future {
	return b.future(model.AnchorTerrain, lat, lon, offset, rot)
}

func (b *fakeBackend) ResolveOnRooftop(lat, lon, offset float64, rot model.Quaternion) Future {
	return b.future(model.AnchorRooftop, lat, lon, offset, rot)
}

func (b *fakeBackend) future(t model.AnchorType, lat, lon, offset float64, rot model.Quaternion) Future {
	b.calls = append(b.calls, resolveCall{Type: t, Lat: lat, Lon: lon, Offset: offset, Rotation: rot})
	f := &fakeFuture{}
	b.futures = append(b.futures, f)
	return f
}

func (b *fakeBackend) Remove(h model.AnchorHandle) { b.removed = append(b.removed, h) }

type fakeRenderer struct {
	next     model.RenderHandle
	spawned  map[model.RenderHandle]model.AnchorRecord
	visible  map[model.RenderHandle]bool
	released []model.RenderHandle
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		spawned: make(map[model.RenderHandle]model.AnchorRecord),
		visible: make(map[model.RenderHandle]bool),
	}
}

func (r *fakeRenderer) SpawnAnchor(rec model.AnchorRecord) model.RenderHandle {
	r.next++
	r.spawned[r.next] = rec
	r.visible[r.next] = true
	return r.next
}

func (r *fakeRenderer) SetAnchorVisible(h model.RenderHandle, v bool) { r.visible[h] = v }

func (r *fakeRenderer) ReleaseAnchor(h model.RenderHandle) {
	r.released = append(r.released, h)
	delete(r.spawned, h)
	delete(r.visible, h)
}

type fakeSurfaces map[model.TrackableID]model.SurfaceGeometryEntity

func (s fakeSurfaces) Lookup(id model.TrackableID) (model.SurfaceGeometryEntity, bool) {
	e, ok := s[id]
	return e, ok
}

type failingStore struct {
	entries   []model.AnchorHistoryEntry
	clearErr  error
	appendErr error
}

func (s *failingStore) Append(_ context.Context, e model.AnchorHistoryEntry) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *failingStore) Load(context.Context) ([]model.AnchorHistoryEntry, error) {
	return append([]model.AnchorHistoryEntry(nil), s.entries...), nil
}

func (s *failingStore) Clear(context.Context) error {
	if s.clearErr != nil {
		return s.clearErr
	}
	s.entries = nil
	return nil
}

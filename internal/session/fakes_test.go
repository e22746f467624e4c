package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/geospatial-session/internal/anchors"
	"github.com/signalsfoundry/geospatial-session/model"
)

type fakeTracking struct {
	state  model.TrackingSessionState
	pose   *model.GeospatialPose
	camera model.Pose
}

func (f *fakeTracking) SessionState() model.TrackingSessionState { return f.state }
func (f *fakeTracking) EarthPose() *model.GeospatialPose         { return f.pose }
func (f *fakeTracking) CameraPose() model.Pose                   { return f.camera }

func (f *fakeTracking) accurate() {
	f.state = model.TrackingSessionTracking
	f.pose = &model.GeospatialPose{
		Latitude: 37.422, Longitude: -122.084, Altitude: 10,
		HorizontalAccuracy: 3, YawAccuracy: 4,
		Orientation: model.IdentityQuaternion,
	}
}

func (f *fakeTracking) inaccurate() {
	f.state = model.TrackingSessionTracking
	f.pose = &model.GeospatialPose{HorizontalAccuracy: 80, YawAccuracy: 60, Orientation: model.IdentityQuaternion}
}

type fakeLocation struct {
	status   model.LocationStatus
	startErr error
	started  bool
	stopped  bool
}

func (f *fakeLocation) Start(context.Context) error {
	f.started = true
	if f.startErr != nil {
		return f.startErr
	}
	if f.status == model.LocationInitializing {
		f.status = model.LocationRunning
	}
	return nil
}

func (f *fakeLocation) Stop()                        { f.stopped = true }
func (f *fakeLocation) Status() model.LocationStatus { return f.status }

type future struct {
	result    anchors.Result
	done      bool
	cancelled bool
}

func (f *future) Poll() (anchors.Result, bool) { return f.result, f.done }
func (f *future) Cancel()                      { f.cancelled = true }

type call struct {
	Type     model.AnchorType
	Lat, Lon float64
}

type fakeBackend struct {
	calls   []call
	futures []*future
	next    int
}

func (b *fakeBackend) handle() model.AnchorHandle {
	b.next++
	return model.AnchorHandle(fmt.Sprintf("h%d", b.next))
}

func (b *fakeBackend) AttachToSurface(s model.SurfaceGeometryEntity, lat, lon, _ float64, _ model.Quaternion) (anchors.Result, error) {
	b.calls = append(b.calls, call{model.AnchorGeospatial, lat, lon})
	return anchors.Result{State: anchors.ResultSucceeded, Anchor: b.handle(), Pose: s.Pose}, nil
}

func (b *fakeBackend) AddGeospatial(lat, lon, _ float64, _ model.Quaternion) (anchors.Result, error) {
	b.calls = append(b.calls, call{model.AnchorGeospatial, lat, lon})
	return anchors.Result{State: anchors.ResultSucceeded, Anchor: b.handle()}, nil
}

func (b *fakeBackend) ResolveOnTerrain(lat, lon, _ float64, _ model.Quaternion) anchors.Future {
	return b.future(model.AnchorTerrain, lat, lon)
}

func (b *fakeBackend) ResolveOnRooftop(lat, lon, _ float64, _ model.Quaternion) anchors.Future {
	return b.future(model.AnchorRooftop, lat, lon)
}

func (b *fakeBackend) future(t model.AnchorType, lat, lon float64) anchors.Future {
	b.calls = append(b.calls, call{t, lat, lon})
	f := &future{}
	b.futures = append(b.futures, f)
	return f
}

func (b *fakeBackend) Remove(model.AnchorHandle) {}

func (b *fakeBackend) resolveAll() {
	for _, f := range b.futures {
		if !f.done {
			f.result = anchors.Result{State: anchors.ResultSucceeded, Anchor: b.handle()}
			f.done = true
		}
	}
}

type fakeSource struct {
	mu   sync.Mutex
	subs int
	fn   func(model.SurfaceBatch)
}

func (s *fakeSource) Subscribe(fn func(model.SurfaceBatch)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs++
	s.fn = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs--
		s.fn = nil
	}
}

func (s *fakeSource) emit(b model.SurfaceBatch) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

type fakeRenderer struct {
	next    model.RenderHandle
	visible map[model.RenderHandle]bool
	live    map[model.RenderHandle]bool
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{visible: map[model.RenderHandle]bool{}, live: map[model.RenderHandle]bool{}}
}

func (r *fakeRenderer) spawn() model.RenderHandle {
	r.next++
	r.live[r.next] = true
	r.visible[r.next] = true
	return r.next
}

func (r *fakeRenderer) SpawnAnchor(model.AnchorRecord) model.RenderHandle            { return r.spawn() }
func (r *fakeRenderer) SetAnchorVisible(h model.RenderHandle, v bool)                { r.visible[h] = v }
func (r *fakeRenderer) ReleaseAnchor(h model.RenderHandle)                           { delete(r.live, h) }
func (r *fakeRenderer) CreateSurface(model.SurfaceGeometryEntity) model.RenderHandle { return r.spawn() }
func (r *fakeRenderer) MoveSurface(model.RenderHandle, model.Pose)                   {}
func (r *fakeRenderer) ReleaseSurface(h model.RenderHandle)                          { delete(r.live, h) }

package surfaces

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/geospatial-session/model"
)

type fakeRenderer struct {
	next     model.RenderHandle
	created  map[model.RenderHandle]model.SurfaceGeometryEntity
	moves    int
	released []model.RenderHandle
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{created: make(map[model.RenderHandle]model.SurfaceGeometryEntity)}
}

func (r *fakeRenderer) CreateSurface(e model.SurfaceGeometryEntity) model.RenderHandle {
	r.next++
	r.created[r.next] = e
	return r.next
}

func (r *fakeRenderer) MoveSurface(h model.RenderHandle, pose model.Pose) {
	r.moves++
	e := r.created[h]
	e.Pose = pose
	r.created[h] = e
}

func (r *fakeRenderer) ReleaseSurface(h model.RenderHandle) {
	r.released = append(r.released, h)
	delete(r.created, h)
}

type fakeSource struct {
	mu   sync.Mutex
	subs map[int]func(model.SurfaceBatch)
	next int
}

func (s *fakeSource) Subscribe(fn func(model.SurfaceBatch)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(model.SurfaceBatch))
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *fakeSource) emit(b model.SurfaceBatch) {
	s.mu.Lock()
	fns := make([]func(model.SurfaceBatch), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(b)
	}
}

func (s *fakeSource) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type countRecorder struct{ last int }

func (c *countRecorder) SetSurfaceCount(n int) { c.last = n }

func building(id string) model.SurfaceGeometry {
	return model.SurfaceGeometry{ID: model.TrackableID(id), Category: model.SurfaceBuilding, Mesh: []byte{1}}
}

func terrain(id string) model.SurfaceGeometry {
	return model.SurfaceGeometry{ID: model.TrackableID(id), Category: model.SurfaceTerrain, Mesh: []byte{1}}
}

func TestApplyAddIsIdempotent(t *testing.T) {
	r := newFakeRenderer()
	s := NewSynchronizer(r)
	ctx := context.Background()

	s.Apply(ctx, model.SurfaceBatch{Added: []model.SurfaceGeometry{building("a")}})
	s.Apply(ctx, model.SurfaceBatch{Added: []model.SurfaceGeometry{building("a")}})

	if got := s.Count(); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}
	if got := len(r.created); got != 1 {
		t.Fatalf("renderer created %d objects, want 1", got)
	}
}

func TestBuildingMaterialsRoundRobin(t *testing.T) {
	s := NewSynchronizer(newFakeRenderer(), WithBuildingMaterials(3))
	ctx := context.Background()

	// Ids deliberately out of lexical order: assignment follows arrival.
	ids := []string{"z", "b", "m", "a", "q"}
	var batch model.SurfaceBatch
	for _, id := range ids {
		batch.Added = append(batch.Added, building(id))
	}
	batch.Added = append(batch.Added, terrain("t"))
	s.Apply(ctx, batch)

	want := []int{0, 1, 2, 0, 1}
	for i, id := range ids {
		e, ok := s.Lookup(model.TrackableID(id))
		if !ok {
			t.Fatalf("surface %q missing", id)
		}
		if e.Material.Kind != model.MaterialBuilding || e.Material.Index != want[i] {
			t.Fatalf("surface %q material = %+v, want building %d", id, e.Material, want[i])
		}
	}
	tr, _ := s.Lookup("t")
	if tr.Material.Kind != model.MaterialTerrain {
		t.Fatalf("terrain material = %+v", tr.Material)
	}
}

func TestRoundRobinSurvivesClear(t *testing.T) {
	s := NewSynchronizer(newFakeRenderer(), WithBuildingMaterials(2))
	ctx := context.Background()

	s.Apply(ctx, model.SurfaceBatch{Added: []model.SurfaceGeometry{building("a")}})
	s.ClearAllEntities()
	s.Apply(ctx, model.SurfaceBatch{Added: []model.SurfaceGeometry{building("b")}})

	e, _ := s.Lookup("b")
	if e.Material.Index != 1 {
		t.Fatalf("material index after clear = %d, want 1", e.Material.Index)
	}
}

func TestUpdateOfUnknownSurfaceCreatesIt(t *testing.T) {
	r := newFakeRenderer()
	s := NewSynchronizer(r)

	g := building("late")
	g.Pose.Position = model.Vec3{X: 4}
	s.Apply(context.Background(), model.SurfaceBatch{Updated: []model.SurfaceGeometry{g}})

	e, ok := s.Lookup("late")
	if !ok {
		t.Fatalf("updated surface was not created")
	}
	if e.Pose.Position.X != 4 {
		t.Fatalf("pose = %+v, want X=4", e.Pose)
	}
	if r.moves != 0 {
		t.Fatalf("implicit add should not move, got %d moves", r.moves)
	}
}

func TestUpdateMovesExistingSurface(t *testing.T) {
	r := newFakeRenderer()
	s := NewSynchronizer(r)
	ctx := context.Background()

	s.Apply(ctx, model.SurfaceBatch{Added: []model.SurfaceGeometry{building("a")}})
	g := building("a")
	g.Pose.Position = model.Vec3{Y: 7}
	s.Apply(ctx, model.SurfaceBatch{Updated: []model.SurfaceGeometry{g}})

	e, _ := s.Lookup("a")
	if e.Pose.Position.Y != 7 || r.moves != 1 {
		t.Fatalf("pose = %+v moves = %d", e.Pose, r.moves)
	}
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	r := newFakeRenderer()
	s := NewSynchronizer(r)
	ctx := context.Background()

	s.Apply(ctx, model.SurfaceBatch{Added: []model.SurfaceGeometry{building("a")}})
	s.Apply(ctx, model.SurfaceBatch{Removed: []model.SurfaceGeometry{building("ghost")}})
	if s.Count() != 1 || len(r.released) != 0 {
		t.Fatalf("count = %d released = %v", s.Count(), r.released)
	}

	s.Apply(ctx, model.SurfaceBatch{Removed: []model.SurfaceGeometry{building("a")}})
	if s.Count() != 0 || len(r.released) != 1 {
		t.Fatalf("count = %d released = %v", s.Count(), r.released)
	}
}

func TestEmptyMeshIsSkipped(t *testing.T) {
	s := NewSynchronizer(newFakeRenderer())
	g := building("hollow")
	g.Mesh = nil
	s.Apply(context.Background(), model.SurfaceBatch{Added: []model.SurfaceGeometry{g}})
	if s.Count() != 0 {
		t.Fatalf("surface without mesh was added")
	}
}

func TestClearAllEntitiesKeepsSubscription(t *testing.T) {
	r := newFakeRenderer()
	rec := &countRecorder{}
	s := NewSynchronizer(r, WithMetricsRecorder(rec))
	src := &fakeSource{}
	ctx := context.Background()

	s.Subscribe(src)
	for i := 0; i < 3; i++ {
		src.emit(model.SurfaceBatch{Added: []model.SurfaceGeometry{building(fmt.Sprintf("s%d", i))}})
	}
	if n := s.Drain(ctx); n != 3 {
		t.Fatalf("Drain applied %d batches, want 3", n)
	}
	if rec.last != 3 {
		t.Fatalf("surface gauge = %d, want 3", rec.last)
	}

	s.ClearAllEntities()
	if s.Count() != 0 || len(r.released) != 3 || rec.last != 0 {
		t.Fatalf("count = %d released = %d gauge = %d", s.Count(), len(r.released), rec.last)
	}
	if !s.Subscribed() || src.subscribers() != 1 {
		t.Fatalf("ClearAllEntities must not touch the subscription")
	}
}

func TestHideAndShowToggle(t *testing.T) {
	s := NewSynchronizer(newFakeRenderer())
	src := &fakeSource{}
	ctx := context.Background()

	s.Subscribe(src)
	s.Subscribe(src)
	if src.subscribers() != 1 {
		t.Fatalf("double Subscribe registered %d handlers", src.subscribers())
	}
	src.emit(model.SurfaceBatch{Added: []model.SurfaceGeometry{building("a")}})
	s.Drain(ctx)

	// A batch queued before hiding must not be applied afterwards.
	src.emit(model.SurfaceBatch{Added: []model.SurfaceGeometry{building("b")}})
	s.Hide()
	if s.Subscribed() || src.subscribers() != 0 || s.Count() != 0 {
		t.Fatalf("hide left subscribed=%v subscribers=%d count=%d", s.Subscribed(), src.subscribers(), s.Count())
	}
	src.emit(model.SurfaceBatch{Added: []model.SurfaceGeometry{building("c")}})
	if n := s.Drain(ctx); n != 0 || s.Count() != 0 {
		t.Fatalf("hidden synchronizer applied %d batches", n)
	}

	s.Subscribe(src)
	src.emit(model.SurfaceBatch{Updated: []model.SurfaceGeometry{building("a")}})
	s.Drain(ctx)
	if _, ok := s.Lookup("a"); !ok {
		t.Fatalf("update after re-show did not recreate surface")
	}
}

func TestEntitiesSortedByID(t *testing.T) {
	s := NewSynchronizer(newFakeRenderer())
	s.Apply(context.Background(), model.SurfaceBatch{Added: []model.SurfaceGeometry{building("c"), terrain("a"), building("b")}})
	got := s.Entities()
	if len(got) != 3 || got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Fatalf("Entities order = %v", got)
	}
}

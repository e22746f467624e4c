// Package surfaces mirrors detected real-world surface geometry into
// renderable entities.
package surfaces

import (
	"context"
	"sort"
	"sync"

	"github.com/signalsfoundry/geospatial-session/internal/logging"
	"github.com/signalsfoundry/geospatial-session/model"
)

// DefaultBuildingMaterials is the size of the building material pool.
const DefaultBuildingMaterials = 4

// Renderer owns the render objects for surface entities.
type Renderer interface {
	CreateSurface(e model.SurfaceGeometryEntity) model.RenderHandle
	MoveSurface(h model.RenderHandle, pose model.Pose)
	ReleaseSurface(h model.RenderHandle)
}

// Source is the surface detection collaborator. Subscribe returns the
// function that ends the subscription.
type Source interface {
	Subscribe(fn func(model.SurfaceBatch)) (unsubscribe func())
}

// MetricsRecorder receives the live entity count.
type MetricsRecorder interface {
	SetSurfaceCount(n int)
}

// Synchronizer owns the live surface entity table. Batches may arrive on
// any goroutine; they are queued and applied by Drain on the tick thread,
// which is the only place the table changes.
type Synchronizer struct {
	renderer Renderer
	poolSize int
	log      logging.Logger
	metrics  MetricsRecorder

	nextBuilding int
	entities     map[model.TrackableID]*model.SurfaceGeometryEntity

	mu          sync.Mutex
	queue       []model.SurfaceBatch
	unsubscribe func()
}

// Option customises Synchronizer construction.
type Option func(*Synchronizer)

// WithBuildingMaterials sets the building material pool size.
func WithBuildingMaterials(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.poolSize = n
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Synchronizer) {
		s.metrics = m
	}
}

// NewSynchronizer builds an empty, unsubscribed synchronizer.
func NewSynchronizer(renderer Renderer, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		renderer: renderer,
		poolSize: DefaultBuildingMaterials,
		log:      logging.Noop(),
		entities: make(map[model.TrackableID]*model.SurfaceGeometryEntity),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Subscribe starts receiving batches from src. It is a no-op while a
// subscription is already held.
func (s *Synchronizer) Subscribe(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil || src == nil {
		return
	}
	s.unsubscribe = src.Subscribe(s.enqueue)
}

// Unsubscribe releases the subscription and drops batches not yet applied.
func (s *Synchronizer) Unsubscribe() {
	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.queue = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Subscribed reports whether a subscription is held.
func (s *Synchronizer) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribe != nil
}

func (s *Synchronizer) enqueue(b model.SurfaceBatch) {
	if b.Empty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe == nil {
		return
	}
	s.queue = append(s.queue, b)
}

// Drain applies every queued batch in arrival order and returns how many
// were applied.
func (s *Synchronizer) Drain(ctx context.Context) int {
	s.mu.Lock()
	batches := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, b := range batches {
		s.Apply(ctx, b)
	}
	return len(batches)
}

// Apply reconciles one batch against the table: added, then updated,
// then removed.
func (s *Synchronizer) Apply(ctx context.Context, b model.SurfaceBatch) {
	for _, g := range b.Added {
		s.add(ctx, g)
	}
	for _, g := range b.Updated {
		if e, ok := s.entities[g.ID]; ok {
			e.Pose = g.Pose
			if e.Render != 0 && s.renderer != nil {
				s.renderer.MoveSurface(e.Render, g.Pose)
			}
			continue
		}
		// The add event can be missed across a visibility toggle.
		s.add(ctx, g)
	}
	for _, g := range b.Removed {
		s.remove(g.ID)
	}
	s.updateMetrics()
}

func (s *Synchronizer) add(ctx context.Context, g model.SurfaceGeometry) {
	if _, exists := s.entities[g.ID]; exists {
		return
	}
	if len(g.Mesh) == 0 {
		s.log.Debug(ctx, "skipping surface without mesh", logging.String("surface_id", string(g.ID)))
		return
	}

	e := &model.SurfaceGeometryEntity{
		ID:       g.ID,
		Category: g.Category,
		Mesh:     g.Mesh,
		Pose:     g.Pose,
		Material: s.material(g.Category),
	}
	if s.renderer != nil {
		e.Render = s.renderer.CreateSurface(*e)
	}
	s.entities[g.ID] = e
}

// material assigns building materials round-robin over the pool in the
// order adds are seen; terrain always gets the terrain material.
func (s *Synchronizer) material(c model.SurfaceCategory) model.Material {
	if c != model.SurfaceBuilding {
		return model.Material{Kind: model.MaterialTerrain}
	}
	m := model.Material{Kind: model.MaterialBuilding, Index: s.nextBuilding}
	s.nextBuilding = (s.nextBuilding + 1) % s.poolSize
	return m
}

func (s *Synchronizer) remove(id model.TrackableID) {
	e, ok := s.entities[id]
	if !ok {
		return
	}
	if e.Render != 0 && s.renderer != nil {
		s.renderer.ReleaseSurface(e.Render)
	}
	delete(s.entities, id)
}

// ClearAllEntities destroys every entity and render object. The
// subscription is left as it is.
func (s *Synchronizer) ClearAllEntities() {
	for id := range s.entities {
		s.remove(id)
	}
	s.updateMetrics()
}

// Hide ends the subscription and clears the table.
func (s *Synchronizer) Hide() {
	s.Unsubscribe()
	s.ClearAllEntities()
}

// Close is Hide; it exists so teardown reads naturally.
func (s *Synchronizer) Close() { s.Hide() }

// Lookup returns a copy of a live entity.
func (s *Synchronizer) Lookup(id model.TrackableID) (model.SurfaceGeometryEntity, bool) {
	e, ok := s.entities[id]
	if !ok {
		return model.SurfaceGeometryEntity{}, false
	}
	return *e, true
}

// Count returns the number of live entities.
func (s *Synchronizer) Count() int { return len(s.entities) }

// Entities returns copies of the live entities ordered by id.
func (s *Synchronizer) Entities() []model.SurfaceGeometryEntity {
	out := make([]model.SurfaceGeometryEntity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Synchronizer) updateMetrics() {
	if s.metrics != nil {
		s.metrics.SetSurfaceCount(len(s.entities))
	}
}

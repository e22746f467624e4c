package sim

import (
	"context"
	"sync"

	"github.com/signalsfoundry/geospatial-session/internal/logging"
	"github.com/signalsfoundry/geospatial-session/model"
)

// Renderer keeps render objects in memory and logs every change at
// debug level.
type Renderer struct {
	mu      sync.Mutex
	log     logging.Logger
	next    model.RenderHandle
	anchors map[model.RenderHandle]bool
	meshes  map[model.RenderHandle]model.SurfaceGeometryEntity
}

// NewRenderer returns an empty renderer. log may be nil.
func NewRenderer(log logging.Logger) *Renderer {
	if log == nil {
		log = logging.Noop()
	}
	return &Renderer{
		log:     log,
		anchors: make(map[model.RenderHandle]bool),
		meshes:  make(map[model.RenderHandle]model.SurfaceGeometryEntity),
	}
}

func (r *Renderer) handle() model.RenderHandle {
	r.next++
	return r.next
}

func (r *Renderer) SpawnAnchor(rec model.AnchorRecord) model.RenderHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handle()
	r.anchors[h] = true
	r.log.Debug(context.Background(), "render: spawn anchor",
		logging.String("anchor_id", string(rec.ID)),
		logging.String("anchor_type", rec.Type.String()),
		logging.Float("scale", rec.Scale),
	)
	return h
}

func (r *Renderer) SetAnchorVisible(h model.RenderHandle, visible bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.anchors[h]; ok {
		r.anchors[h] = visible
	}
}

func (r *Renderer) ReleaseAnchor(h model.RenderHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.anchors, h)
}

func (r *Renderer) CreateSurface(e model.SurfaceGeometryEntity) model.RenderHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handle()
	r.meshes[h] = e
	r.log.Debug(context.Background(), "render: create surface",
		logging.String("surface_id", string(e.ID)),
		logging.String("category", e.Category.String()),
		logging.Int("material", e.Material.Index),
	)
	return h
}

func (r *Renderer) MoveSurface(h model.RenderHandle, pose model.Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.meshes[h]; ok {
		e.Pose = pose
		r.meshes[h] = e
	}
}

func (r *Renderer) ReleaseSurface(h model.RenderHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.meshes, h)
}

// Anchors returns the number of live anchor objects and how many of them
// are visible.
func (r *Renderer) Anchors() (live, visible int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.anchors {
		live++
		if v {
			visible++
		}
	}
	return live, visible
}

// Surfaces returns the number of live surface objects.
func (r *Renderer) Surfaces() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.meshes)
}

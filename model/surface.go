package model

// SurfaceCategory classifies detected real-world geometry.
type SurfaceCategory int

const (
	SurfaceBuilding SurfaceCategory = iota
	SurfaceTerrain
)

func (c SurfaceCategory) String() string {
	switch c {
	case SurfaceBuilding:
		return "Building"
	case SurfaceTerrain:
		return "Terrain"
	default:
		return "Unknown"
	}
}

// TrackableID identifies a detected surface across events.
type TrackableID string

// SurfaceGeometry is one item of a detection batch.
type SurfaceGeometry struct {
	ID       TrackableID
	Category SurfaceCategory
	// Mesh is supplied once; an empty mesh means the geometry is not yet
	// renderable.
	Mesh []byte
	Pose Pose
}

// SurfaceBatch is the per-tick change set emitted by the surface
// detection collaborator.
type SurfaceBatch struct {
	Added   []SurfaceGeometry
	Updated []SurfaceGeometry
	Removed []SurfaceGeometry
}

// Empty reports whether the batch carries no changes.
func (b SurfaceBatch) Empty() bool {
	return len(b.Added) == 0 && len(b.Updated) == 0 && len(b.Removed) == 0
}

// MaterialKind selects between the building pool and the terrain material.
type MaterialKind int

const (
	MaterialBuilding MaterialKind = iota
	MaterialTerrain
)

// Material identifies which render material an entity was given.
type Material struct {
	Kind MaterialKind
	// Index into the building pool; always 0 for terrain.
	Index int
}

// SurfaceGeometryEntity is a live, rendered surface.
type SurfaceGeometryEntity struct {
	ID       TrackableID
	Category SurfaceCategory
	Mesh     []byte
	Pose     Pose
	Material Material
	Render   RenderHandle
}

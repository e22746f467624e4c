package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/geospatial-session/internal/anchors"
	"github.com/signalsfoundry/geospatial-session/model"
)

func TestBackendFuturesCompleteAfterPolls(t *testing.T) {
	origin := model.GeospatialPose{Latitude: 10, Longitude: 20}
	b := NewAnchorBackend(origin, WithResolveAfter(2), WithTerrainElevation(5), WithRooftopHeight(12))

	f := b.ResolveOnRooftop(10, 20, 1, model.IdentityQuaternion)
	for i := 0; i < 2; i++ {
		_, done := f.Poll()
		require.False(t, done, "poll %d", i)
	}
	res, done := f.Poll()
	require.True(t, done)
	assert.Equal(t, anchors.ResultSucceeded, res.State)
	assert.InDelta(t, 18, res.Pose.Position.Y, 1e-9)
	assert.NotEmpty(t, res.Anchor)
}

func TestBackendFailNextIsPerType(t *testing.T) {
	b := NewAnchorBackend(model.GeospatialPose{}, WithResolveAfter(0))
	b.FailNext(model.AnchorTerrain, 1)

	res, done := b.ResolveOnRooftop(0, 0, 0, model.IdentityQuaternion).Poll()
	require.True(t, done)
	assert.Equal(t, anchors.ResultSucceeded, res.State)

	res, done = b.ResolveOnTerrain(0, 0, 0, model.IdentityQuaternion).Poll()
	require.True(t, done)
	assert.Equal(t, anchors.ResultFailed, res.State)

	res, _ = b.ResolveOnTerrain(0, 0, 0, model.IdentityQuaternion).Poll()
	assert.Equal(t, anchors.ResultSucceeded, res.State)

	b.FailNext(model.AnchorGeospatial, 1)
	_, err := b.AddGeospatial(0, 0, 0, model.IdentityQuaternion)
	assert.ErrorIs(t, err, ErrEarthNotTracking)
	assert.Len(t, b.Calls(), 4)
}

func TestBackendRefusesPointsOutsideCoverage(t *testing.T) {
	origin := model.GeospatialPose{Latitude: 37.422, Longitude: -122.084}
	b := NewAnchorBackend(origin, WithResolveAfter(0), WithCoverageRadius(100))

	res, done := b.ResolveOnTerrain(37.4225, -122.084, 0, model.IdentityQuaternion).Poll()
	require.True(t, done)
	assert.Equal(t, anchors.ResultSucceeded, res.State, "about 55m north is covered")

	res, done = b.ResolveOnRooftop(37.424, -122.084, 0, model.IdentityQuaternion).Poll()
	require.True(t, done)
	assert.Equal(t, anchors.ResultFailed, res.State, "about 220m north is not")
	assert.Equal(t, "not available at this location", res.Reason)
}

func TestBackendCancelOnlyCountsInFlightFutures(t *testing.T) {
	b := NewAnchorBackend(model.GeospatialPose{}, WithResolveAfter(1))
	pending := b.ResolveOnTerrain(0, 0, 0, model.IdentityQuaternion)
	finished := b.ResolveOnTerrain(0, 0, 0, model.IdentityQuaternion)
	finished.Poll()
	finished.Poll()

	pending.Cancel()
	finished.Cancel()

	res, done := pending.Poll()
	require.True(t, done)
	assert.Equal(t, anchors.ResultCancelled, res.State)
	assert.Equal(t, 1, b.Cancelled())
}

func TestSurfaceFeedUnsubscribeIsIdempotent(t *testing.T) {
	feed := NewSurfaceFeed()
	var a, b int
	unsubA := feed.Subscribe(func(model.SurfaceBatch) { a++ })
	feed.Subscribe(func(model.SurfaceBatch) { b++ })

	batch := model.SurfaceBatch{Added: []model.SurfaceGeometry{{ID: "s1", Mesh: []byte{1}}}}
	feed.Publish(batch)
	feed.Publish(model.SurfaceBatch{})
	unsubA()
	unsubA()
	feed.Publish(batch)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, feed.Subscribers())
}

func TestSurfaceFeedCallbackMayUnsubscribe(t *testing.T) {
	feed := NewSurfaceFeed()
	var unsub func()
	calls := 0
	unsub = feed.Subscribe(func(model.SurfaceBatch) {
		calls++
		unsub()
	})
	batch := model.SurfaceBatch{Removed: []model.SurfaceGeometry{{ID: "gone"}}}
	feed.Publish(batch)
	feed.Publish(batch)
	assert.Equal(t, 1, calls)
	assert.Zero(t, feed.Subscribers())
}

func TestLocationStartWithError(t *testing.T) {
	loc := NewLocation()
	loc.StartWith(model.LocationRunning, ErrLocationUnavailable)
	require.ErrorIs(t, loc.Start(t.Context()), ErrLocationUnavailable)
	assert.Equal(t, model.LocationInitializing, loc.Status())

	loc.StartWith(model.LocationRunning, nil)
	require.NoError(t, loc.Start(t.Context()))
	assert.Equal(t, model.LocationRunning, loc.Status())
	assert.True(t, loc.Started())
	loc.Stop()
	assert.False(t, loc.Started())
}

func TestTrackingCameraFollowsPose(t *testing.T) {
	origin := model.GeospatialPose{Latitude: 40, Longitude: -74}
	tr := NewTracking(origin)
	assert.Nil(t, tr.EarthPose())
	assert.Equal(t, model.Vec3{}, tr.CameraPose().Position)

	p := PoseStep{East: 3, North: 4}.GeospatialPose(origin)
	tr.SetPose(&p)
	cam := tr.CameraPose().Position
	assert.InDelta(t, 3, cam.X, 1e-3)
	assert.InDelta(t, 4, cam.Z, 1e-3)

	got := tr.EarthPose()
	got.Latitude = 0
	assert.InDelta(t, p.Latitude, tr.EarthPose().Latitude, 1e-12)
}

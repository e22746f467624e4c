package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/geospatial-session/internal/observability"
	"github.com/signalsfoundry/geospatial-session/internal/session"
	"github.com/signalsfoundry/geospatial-session/model"
)

type fakeSession struct {
	mu    sync.Mutex
	cmds  []session.Command
	reply session.Reply
	err   error
	snap  session.Snapshot
}

func (f *fakeSession) Submit(ctx context.Context, cmd session.Command) (session.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	if err := ctx.Err(); err != nil {
		return session.Reply{}, err
	}
	return f.reply, f.err
}

func (f *fakeSession) Snapshot() session.Snapshot { return f.snap }

func (f *fakeSession) commands() []session.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Command(nil), f.cmds...)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPlaceAnchor(t *testing.T) {
	sess := &fakeSession{reply: session.Reply{Anchor: "a-1", AnchorType: model.AnchorTerrain}}
	h := NewServer(sess).Handler()

	rec := do(t, h, http.MethodPost, "/anchors",
		`{"type":"terrain","latitude":37.1,"longitude":-122.2,"orientation":{"x":0,"y":0,"z":0,"w":1}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp PlaceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, PlaceResponse{ID: "a-1", Type: "Terrain"}, resp)

	cmds := sess.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, session.CommandPlace, cmds[0].Kind)
	require.NotNil(t, cmds[0].Tap.Type)
	assert.Equal(t, model.AnchorTerrain, *cmds[0].Tap.Type)
	require.NotNil(t, cmds[0].Tap.Position)
	assert.InDelta(t, 37.1, cmds[0].Tap.Position.Latitude, 1e-12)
	require.NotNil(t, cmds[0].Tap.Orientation)
}

func TestPlaceAnchorAtDevice(t *testing.T) {
	sess := &fakeSession{reply: session.Reply{Anchor: "a-2"}}
	rec := do(t, NewServer(sess).Handler(), http.MethodPost, "/anchors", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	cmds := sess.commands()
	require.Len(t, cmds, 1)
	assert.Nil(t, cmds[0].Tap.Position)
	assert.Nil(t, cmds[0].Tap.Type)
	assert.Nil(t, cmds[0].Tap.Orientation)
}

func TestPlaceAnchorValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"unknown field", `{"kind":"terrain"}`, http.StatusBadRequest},
		{"unknown type", `{"type":"balloon"}`, http.StatusUnprocessableEntity},
		{"half a position", `{"latitude":1}`, http.StatusBadRequest},
		{"out of range", `{"latitude":91,"longitude":0}`, http.StatusBadRequest},
		{"zero orientation", `{"orientation":{"x":0,"y":0,"z":0,"w":0}}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := &fakeSession{}
			rec := do(t, NewServer(sess).Handler(), http.MethodPost, "/anchors", tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			assert.Empty(t, sess.commands())
		})
	}
}

func TestSessionErrorsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{model.ErrQuotaExceeded, http.StatusConflict},
		{fmt.Errorf("%w: b1", model.ErrNoSurfaceAtLocation), http.StatusUnprocessableEntity},
		{model.ErrNotLocalized, http.StatusPreconditionFailed},
		{fmt.Errorf("%w: earth not tracking", model.ErrResolutionFailed), http.StatusBadGateway},
		{model.Fatal(model.ErrLocalizationTimedOut, "not localized within 3m0s"), http.StatusServiceUnavailable},
		{model.ErrSessionTerminated, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			sess := &fakeSession{err: tc.err}
			rec := do(t, NewServer(sess).Handler(), http.MethodPost, "/anchors", `{}`)
			assert.Equal(t, tc.code, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.err.Error(), resp.Error)
		})
	}
}

func TestPlacementRateLimit(t *testing.T) {
	sess := &fakeSession{reply: session.Reply{Anchor: "a"}}
	h := NewServer(sess, WithPlaceLimit(0.001, 2)).Handler()

	assert.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/anchors", `{}`).Code)
	assert.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/anchors", `{}`).Code)
	rec := do(t, h, http.MethodPost, "/anchors", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Len(t, sess.commands(), 2)

	// Other routes are not limited.
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/anchors", "").Code)
}

func TestGeometryAndAnchorType(t *testing.T) {
	sess := &fakeSession{reply: session.Reply{GeometryShown: false, AnchorType: model.AnchorRooftop}}
	h := NewServer(sess).Handler()

	rec := do(t, h, http.MethodPut, "/geometry", `{"show":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"shown":false}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/geometry", `{}`).Code)

	rec = do(t, h, http.MethodPut, "/anchor-type", `{"type":"rooftop"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"type":"Rooftop"}`, rec.Body.String())
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPut, "/anchor-type", `{"type":"kite"}`).Code)

	cmds := sess.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, session.Command{Kind: session.CommandSetGeometry, Show: false}, cmds[0])
	assert.Equal(t, session.Command{Kind: session.CommandSelectType, AnchorType: model.AnchorRooftop}, cmds[1])
}

func TestStatusAndReadiness(t *testing.T) {
	sess := &fakeSession{snap: session.Snapshot{
		Frame:         42,
		Localization:  model.LocalizationLocalizing,
		EverLocalized: true,
		Anchors:       []model.AnchorRecord{{ID: "a-1", Type: model.AnchorGeospatial, Status: model.ResolutionResolved}},
		Quota:         20,
		Status:        "Localizing",
		Pose:          &model.GeospatialPose{Latitude: 1, Longitude: 2, HorizontalAccuracy: 30},
	}}
	h := NewServer(sess).Handler()

	rec := do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, uint64(42), view.Frame)
	assert.Equal(t, "Localizing", view.Localization)
	assert.True(t, view.EverLocalized)
	assert.Equal(t, 1, view.Anchors)
	assert.Equal(t, 20, view.Quota)
	require.NotNil(t, view.Pose)
	assert.InDelta(t, 30, view.Pose.HorizontalAccuracy, 1e-12)
	assert.NotNil(t, view.Messages)

	rec = do(t, h, http.MethodGet, "/anchors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var anchors []AnchorView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &anchors))
	require.Len(t, anchors, 1)
	assert.Equal(t, "Resolved", anchors[0].Status)

	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)

	sess.snap.Localization = model.LocalizationLocalized
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)

	sess.snap.Terminated = true
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/healthz", "").Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := NewServer(&fakeSession{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))

	rec = do(t, h, http.MethodGet, "/status", "")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestRequestsAreCountedByRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	api, err := observability.NewAPICollector(reg)
	require.NoError(t, err)

	sess := &fakeSession{err: model.ErrQuotaExceeded}
	h := NewServer(sess, WithMetrics(api)).Handler()
	do(t, h, http.MethodPost, "/anchors", `{}`)
	do(t, h, http.MethodPost, "/anchors", `{}`)
	do(t, h, http.MethodGet, "/nowhere", "")

	families, err := reg.Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "control_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			counts[labels["route"]+" "+labels["method"]+" "+labels["code"]] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, counts["/anchors POST 409"])
	assert.Len(t, counts, 2)
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/geospatial-session/internal/config"
	"github.com/signalsfoundry/geospatial-session/internal/control"
	"github.com/signalsfoundry/geospatial-session/internal/logging"
	"github.com/signalsfoundry/geospatial-session/internal/sim"
)

func localListener(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

func TestSessionServerStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	cfg := config.Default()
	cfg.History.Backend = "memory"
	cfg.Session.Tick = config.Duration(20 * time.Millisecond)
	cfg.Logging.Level = "warn"

	sc, err := sim.ParseScenario([]byte(`
name: smoke
steps:
  - at: 0
    tracking: tracking
    pose: {horizontal_accuracy: 2, yaw_accuracy: 2}
`))
	require.NoError(t, err)

	lis := listeners{http: localListener(t), grpc: localListener(t), metrics: localListener(t)}
	base := "http://" + lis.http.Addr().String()
	log := logging.NewWithWriter(cfg.LoggingConfig(), io.Discard)

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, sc, log, lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/anchors", "application/json", bytes.NewReader([]byte(`{"type":"geospatial"}`)))
	require.NoError(t, err)
	var placed control.PlaceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&placed))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, placed.ID)

	// The snapshot is published at the end of the tick that placed it.
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status control.StatusView
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return status.Localization == "Localized" && status.Anchors == 1
	}, 2*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(lis.grpc.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: control.SessionService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.GetStatus())

	resp, err = http.Get("http://" + lis.metrics.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "session_anchors_live 1"), "metrics output missing anchor gauge")
	assert.Contains(t, string(body), `control_http_requests_total{code="201",method="POST",route="/anchors"} 1`)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestSessionServerReportsFatalTermination(t *testing.T) {
	cfg := config.Default()
	cfg.History.Backend = "memory"
	cfg.Session.Tick = config.Duration(10 * time.Millisecond)
	cfg.Session.FatalGrace = config.Duration(50 * time.Millisecond)

	sc, err := sim.ParseScenario([]byte(`
steps:
  - at: 100ms
    location: disabled
`))
	require.NoError(t, err)

	lis := listeners{http: localListener(t), grpc: localListener(t)}
	err = run(t.Context(), cfg, sc, logging.Noop(), lis)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session terminated")
}

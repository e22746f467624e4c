// Command session-server runs a geospatial session against a simulated
// device in real time and exposes it over HTTP, gRPC health and
// Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/geospatial-session/internal/config"
	"github.com/signalsfoundry/geospatial-session/internal/control"
	"github.com/signalsfoundry/geospatial-session/internal/history"
	"github.com/signalsfoundry/geospatial-session/internal/logging"
	"github.com/signalsfoundry/geospatial-session/internal/observability"
	"github.com/signalsfoundry/geospatial-session/internal/sim"
	"github.com/signalsfoundry/geospatial-session/timectrl"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "session config file (YAML)")
	scenarioPath := flag.String("scenario", "configs/scenarios/walkabout.yaml", "scenario driving the simulated device")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LoggingConfig())

	sc, err := sim.LoadScenario(*scenarioPath)
	if err != nil {
		log.Error(ctx, "failed to load scenario", logging.String("path", *scenarioPath), logging.Err(err))
		os.Exit(1)
	}

	lis, err := listen(cfg.Server)
	if err != nil {
		log.Error(ctx, "failed to listen", logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, sc, log, lis); err != nil {
		log.Error(ctx, "session server exited", logging.Err(err))
		os.Exit(1)
	}
}

// listeners are bound before run so tests can use ephemeral ports. A nil
// metrics listener disables the metrics endpoint.
type listeners struct {
	http    net.Listener
	grpc    net.Listener
	metrics net.Listener
}

func listen(cfg config.Server) (listeners, error) {
	var (
		l   listeners
		err error
	)
	if l.http, err = net.Listen("tcp", cfg.HTTPAddr); err != nil {
		return l, fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}
	if l.grpc, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
		l.http.Close()
		return l, fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	if cfg.MetricsAddr != "" {
		if l.metrics, err = net.Listen("tcp", cfg.MetricsAddr); err != nil {
			l.http.Close()
			l.grpc.Close()
			return l, fmt.Errorf("listen metrics %s: %w", cfg.MetricsAddr, err)
		}
	}
	return l, nil
}

// run serves until ctx is cancelled or the session terminates. A session
// that ends on a fatal error is returned as an error.
func run(ctx context.Context, cfg config.Config, sc *sim.Scenario, log logging.Logger, lis listeners) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.WithoutCancel(ctx), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	sessionMetrics, err := observability.NewSessionCollector(reg)
	if err != nil {
		return fmt.Errorf("session metrics: %w", err)
	}
	apiMetrics, err := observability.NewAPICollector(reg)
	if err != nil {
		return fmt.Errorf("api metrics: %w", err)
	}

	store, err := history.Open(ctx, cfg.HistoryConfig())
	if err != nil {
		return err
	}
	defer store.Close()

	sc.Tick = cfg.Session.Tick
	playback := sim.NewRunner(sc, cfg.SessionSettings(),
		sim.WithRunnerLogger(log),
		sim.WithRunnerMetrics(sessionMetrics),
		sim.WithRunnerTracer(observability.Tracer()),
		sim.WithHistoryStore(store),
		sim.WithStartTime(time.Now().UTC()),
	).Prepare(timectrl.RealTime)

	health := control.NewHealth()
	playback.AfterTick(health.Update)

	api := control.NewServer(playback.Controller,
		control.WithLogger(log),
		control.WithMetrics(apiMetrics),
		control.WithPlaceLimit(cfg.Server.PlaceRate, cfg.Server.PlaceBurst),
	)
	httpSrv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go serveHTTP(ctx, log, "control", httpSrv, lis.http)

	var metricsSrv *http.Server
	if lis.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", sessionMetrics.Handler())
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go serveHTTP(ctx, log, "metrics", metricsSrv, lis.metrics)
	}

	grpcSrv := control.NewGRPCServer(health, log, apiMetrics)
	go func() {
		log.Info(ctx, "serving gRPC health", logging.String("addr", lis.grpc.Addr().String()))
		if err := grpcSrv.Serve(lis.grpc); err != nil {
			log.Error(ctx, "gRPC server exited", logging.Err(err))
		}
	}()

	log.Info(ctx, "session running",
		logging.String("scenario", sc.Name),
		logging.Duration("tick", sc.Tick.Std()),
		logging.String("history_backend", cfg.History.Backend),
	)
	sum, runErr := playback.Run(ctx, 0)

	log.Info(ctx, "shutting down session server")
	grpcSrv.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if sum.Terminated && sum.Fatal != "" {
		return fmt.Errorf("session terminated: %s", sum.Fatal)
	}
	return nil
}

func serveHTTP(ctx context.Context, log logging.Logger, name string, srv *http.Server, lis net.Listener) {
	log.Info(ctx, "serving HTTP", logging.String("server", name), logging.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn(ctx, "HTTP server exited", logging.String("server", name), logging.Err(err))
	}
}

package control

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/geospatial-session/internal/logging"
	"github.com/signalsfoundry/geospatial-session/internal/observability"
	"github.com/signalsfoundry/geospatial-session/internal/session"
)

// SessionService is the health service name that reports whether the
// session can place anchors. The empty service reports liveness.
const SessionService = "geospatial.Session"

const requestIDMetadataKey = "x-request-id"

// Health publishes session readiness through the standard gRPC health
// service.
type Health struct {
	server *health.Server
	last   healthpb.HealthCheckResponse_ServingStatus
}

// NewHealth returns a health reporter with the session NOT_SERVING.
func NewHealth() *Health {
	h := &Health{server: health.NewServer()}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.server.SetServingStatus(SessionService, healthpb.HealthCheckResponse_NOT_SERVING)
	h.last = healthpb.HealthCheckResponse_NOT_SERVING
	return h
}

// Update reflects snap. Call it from the tick thread after every tick.
func (h *Health) Update(snap session.Snapshot) {
	want := healthpb.HealthCheckResponse_NOT_SERVING
	if Ready(snap) {
		want = healthpb.HealthCheckResponse_SERVING
	}
	if snap.Terminated {
		h.server.Shutdown()
		return
	}
	if want != h.last {
		h.server.SetServingStatus(SessionService, want)
		h.last = want
	}
}

// Server returns the health service implementation.
func (h *Health) Server() healthpb.HealthServer { return h.server }

// NewGRPCServer builds a gRPC server carrying the health service,
// tracing, request ids and API metrics.
func NewGRPCServer(h *Health, log logging.Logger, metrics *observability.APICollector, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(log),
			metrics.UnaryServerInterceptor(),
			ErrorUnaryServerInterceptor(),
		),
	}, opts...)
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, h.Server())
	return srv
}

// RequestIDUnaryServerInterceptor ensures a request_id is present on the
// context, taking it from inbound metadata if provided, and attaches a
// per-request logger annotated with the method.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithRequestID(ctx, vals[0])
			}
		}
		ctx, _ = logging.EnsureRequestID(ctx)
		ctx = logging.ContextWithLogger(ctx, base.With(logging.String("method", info.FullMethod)))
		return handler(ctx, req)
	}
}

// ErrorUnaryServerInterceptor converts session errors into gRPC status
// errors.
func ErrorUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		return resp, ToStatusError(err)
	}
}

package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// APICollector records request metrics for the control HTTP API and the
// gRPC health endpoint.
type APICollector struct {
	gatherer prometheus.Gatherer

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
	RPCRequests   *prometheus.CounterVec
}

// NewAPICollector registers API metrics against reg, defaulting to the
// global registry when nil.
func NewAPICollector(reg prometheus.Registerer) (*APICollector, error) {
	reg, gatherer := resolveRegistry(reg)
	c := &APICollector{gatherer: gatherer}

	var err error
	if c.HTTPRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "control_http_requests_total",
		Help: "Handled control API requests, labeled by route, method and status code.",
	}, []string{"route", "method", "code"}), "control_http_requests_total"); err != nil {
		return nil, err
	}
	if c.HTTPDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "control_http_request_duration_seconds",
		Help:    "Control API latency in seconds, including the wait for the session tick.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"route", "method"}), "control_http_request_duration_seconds"); err != nil {
		return nil, err
	}
	if c.RPCRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "control_grpc_requests_total",
		Help: "Handled gRPC requests, labeled by service, method and status code.",
	}, []string{"service", "method", "code"}), "control_grpc_requests_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// ObserveHTTP records one completed HTTP request.
func (c *APICollector) ObserveHTTP(route, method string, code int, d time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	c.HTTPDurations.WithLabelValues(route, method).Observe(d.Seconds())
}

// UnaryServerInterceptor counts unary RPCs by status code.
func (c *APICollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}
		full := ""
		if info != nil {
			full = info.FullMethod
		}
		service, method := SplitMethod(full)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// Handler exposes a /metrics handler for the collector's registry.
func (c *APICollector) Handler() http.Handler {
	if c == nil {
		return handlerFor(nil)
	}
	return handlerFor(c.gatherer)
}

// SplitMethod splits "/pkg.Service/Method" into its short service name and
// method, returning "unknown" for parts that cannot be parsed.
func SplitMethod(fullMethod string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service, method := parts[len(parts)-2], parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

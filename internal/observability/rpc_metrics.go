package observability

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RPCCollector counts and times gRPC calls served by the scenario server.
type RPCCollector struct {
	Requests  *prometheus.CounterVec
	Durations *prometheus.HistogramVec
}

// NewRPCCollector registers RPC metrics against reg.
func NewRPCCollector(reg prometheus.Registerer) (*RPCCollector, error) {
	reg, _ = registryPair(reg)

	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "manet_rpc_requests_total",
		Help: "Handled RPCs, labeled by service, method and gRPC status code.",
	}, []string{"service", "method", "code"}), "manet_rpc_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "manet_rpc_duration_seconds",
		Help:    "RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"service", "method"}), "manet_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}
	return &RPCCollector{Requests: requests, Durations: durations}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *RPCCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.Requests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		c.Durations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// SplitMethod parses "/pkg.Service/Method" into its short service name and
// method, returning "unknown" for parts it cannot find.
func SplitMethod(fullMethod string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
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

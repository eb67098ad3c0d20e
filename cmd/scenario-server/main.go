// Command scenario-server serves ScenarioService over gRPC and exposes
// Prometheus metrics over HTTP.
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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/signalsfoundry/manet-harness/internal/api"
	"github.com/signalsfoundry/manet-harness/internal/logging"
	"github.com/signalsfoundry/manet-harness/internal/observability"
	"github.com/signalsfoundry/manet-harness/internal/results"
	"github.com/signalsfoundry/manet-harness/internal/scenario"
)

const serviceName = "scenario-server"

// Config holds the server settings.
type Config struct {
	ListenAddress  string
	MetricsAddress string
	Store          string
	MaxRuns        int
	LogLevel       string
	LogFormat      string
	ShutdownGrace  time.Duration
}

func configFromFlags(args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddress, "grpc-addr", ":50051", "TCP address the gRPC server listens on")
	fs.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics (empty disables)")
	fs.StringVar(&cfg.Store, "store", os.Getenv("MANET_RESULTS"), "persist reports: a postgres:// URL, \"postgres\" for MANET_PG_* settings, or a JSON-lines file")
	fs.IntVar(&cfg.MaxRuns, "max-runs", 0, "maximum concurrent scenario runs (0 = unbounded)")
	fs.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", envOr("LOG_FORMAT", "text"), "log format: text or json")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", 10*time.Second, "time allowed for in-flight runs at shutdown")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cfg, err := configFromFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}
	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "server exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves on lis until ctx is done.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	log = logging.OrNoop(log)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(serviceName), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	scenarioMetrics, err := observability.NewScenarioCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	engineMetrics, err := observability.NewEngineCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	rpcMetrics, err := observability.NewRPCCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	srvOpts := []api.ServerOption{
		api.WithMaxConcurrentRuns(cfg.MaxRuns),
		api.WithRunOptions(
			scenario.WithScenarioMetrics(scenarioMetrics),
			scenario.WithEngineMetrics(engineMetrics),
			scenario.WithTracer(observability.Tracer()),
		),
	}
	if cfg.Store != "" {
		store, err := results.Open(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("open result store: %w", err)
		}
		defer store.Close()
		srvOpts = append(srvOpts, api.WithStore(store))
	}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			api.RequestIDUnaryServerInterceptor(log),
			api.TracingUnaryServerInterceptor(),
			rpcMetrics.UnaryServerInterceptor(),
		),
	)
	api.RegisterScenarioServiceServer(server, api.NewScenarioServer(log, srvOpts...))
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(api.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthSrv)
	reflection.Register(server)

	metricsSrv := serveMetrics(ctx, cfg.MetricsAddress, scenarioMetrics, log)

	serveErr := make(chan error, 1)
	log.Info(ctx, "starting scenario gRPC server", logging.String("addr", lis.Addr().String()))
	go func() { serveErr <- server.Serve(lis) }()

	select {
	case err := <-serveErr:
		shutdownMetrics(metricsSrv)
		return err
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down scenario server")
	healthSrv.Shutdown()
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-stopped:
	case <-time.After(grace):
		log.Warn(context.Background(), "graceful stop timed out; forcing")
		server.Stop()
	}
	shutdownMetrics(metricsSrv)
	return nil
}

func metricsMux(collector *observability.ScenarioCollector) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return mux
}

func serveMetrics(ctx context.Context, addr string, collector *observability.ScenarioCollector, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           metricsMux(collector),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()
	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func shutdownMetrics(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

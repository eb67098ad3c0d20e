// Command manet-sim runs one or more MANET scenarios and prints their
// throughput reports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/manet-harness/internal/logging"
	"github.com/signalsfoundry/manet-harness/internal/observability"
	"github.com/signalsfoundry/manet-harness/internal/results"
	"github.com/signalsfoundry/manet-harness/internal/scenario"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	serviceName = "manet-sim"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	presets     []string
	configs     []string
	format      string
	routes      string
	noRoutes    bool
	store       string
	parallelism int
	metricsOut  string
	listPresets bool
	logLevel    string
	logFormat   string
}

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Var((*listFlag)(&o.presets), "preset", "preset to run (repeatable or comma-separated): "+strings.Join(scenario.PresetNames(), ", "))
	fs.Var((*listFlag)(&o.configs), "config", "YAML or JSON scenario file (repeatable)")
	fs.StringVar(&o.format, "format", "text", "report format: text or json")
	fs.StringVar(&o.routes, "routes", "", "override the routing dump file of a single scenario")
	fs.BoolVar(&o.noRoutes, "no-routes", false, "disable routing table dumps")
	fs.StringVar(&o.store, "store", os.Getenv("MANET_RESULTS"), "persist reports: a postgres:// URL, \"postgres\" for MANET_PG_* settings, or a JSON-lines file")
	fs.IntVar(&o.parallelism, "parallelism", 0, "concurrent runs for batches (0 = GOMAXPROCS)")
	fs.StringVar(&o.metricsOut, "metrics-out", "", "write Prometheus metrics in text format to this file after the runs")
	fs.BoolVar(&o.listPresets, "list-presets", false, "print the presets as scenario files and exit")
	fs.StringVar(&o.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	fs.StringVar(&o.logFormat, "log-format", envOr("LOG_FORMAT", "text"), "log format: text or json")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.format != "text" && o.format != "json" {
		return o, fmt.Errorf("unknown format %q", o.format)
	}
	return o, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	log := logging.New(logging.Config{Level: o.logLevel, Format: o.logFormat, Output: stderr})

	if o.listPresets {
		if err := writePresets(stdout); err != nil {
			log.Error(ctx, "failed to list presets", logging.Err(err))
			return exitFailed
		}
		return exitOK
	}

	cfgs, err := o.scenarios()
	if err != nil {
		log.Error(ctx, "invalid scenario", logging.Err(err))
		return exitUsage
	}

	tracingCfg := observability.TracingConfigFromEnv(serviceName)
	tracingCfg.Writer = stderr
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.Err(err))
	} else {
		defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
	}

	reg := prometheus.NewRegistry()
	scenarioMetrics, err := observability.NewScenarioCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics", logging.Err(err))
		return exitFailed
	}
	engineMetrics, err := observability.NewEngineCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics", logging.Err(err))
		return exitFailed
	}

	var store results.Store
	if o.store != "" {
		store, err = results.Open(ctx, o.store)
		if err != nil {
			log.Error(ctx, "failed to open result store", logging.Err(err))
			return exitFailed
		}
		defer store.Close()
	}

	runOpts := []scenario.Option{
		scenario.WithLogger(log),
		scenario.WithScenarioMetrics(scenarioMetrics),
		scenario.WithEngineMetrics(engineMetrics),
		scenario.WithTracer(observability.Tracer()),
	}

	var batch []scenario.BatchResult
	if len(cfgs) == 1 {
		rep, err := scenario.Execute(ctx, cfgs[0], runOpts...)
		batch = []scenario.BatchResult{{Name: cfgs[0].Name, Report: rep, Err: err}}
	} else {
		batch = scenario.RunBatch(ctx, cfgs, o.parallelism, runOpts...)
	}

	code := exitOK
	for _, res := range batch {
		if res.Err != nil {
			if errors.Is(res.Err, scenario.ErrConfiguration) {
				log.Error(ctx, "invalid scenario", logging.String("scenario", res.Name), logging.Err(res.Err))
				code = max(code, exitUsage)
				continue
			}
			log.Error(ctx, "scenario failed", logging.String("scenario", res.Name), logging.Err(res.Err))
			code = max(code, exitFailed)
			continue
		}
		if err := writeReport(stdout, o.format, res.Report); err != nil {
			log.Error(ctx, "failed to write report", logging.Err(err))
			code = max(code, exitFailed)
		}
		if store != nil {
			if err := store.Save(ctx, res.Report); err != nil {
				log.Error(ctx, "failed to store report", logging.String("run_id", res.Report.RunID), logging.Err(err))
				code = max(code, exitFailed)
			}
		}
	}

	if o.metricsOut != "" {
		if err := writeMetrics(o.metricsOut, reg); err != nil {
			log.Error(ctx, "failed to write metrics", logging.Err(err))
			code = max(code, exitFailed)
		}
	}
	return code
}

// scenarios resolves the requested presets and files, in that order, to
// configs. No selection means the default preset.
func (o options) scenarios() ([]scenario.Config, error) {
	var cfgs []scenario.Config
	for _, name := range o.presets {
		cfg, err := scenario.Preset(name)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	for _, path := range o.configs {
		cfg, err := scenario.LoadConfigFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		cfgs = append(cfgs, cfg)
	}
	if len(cfgs) == 0 {
		cfgs = append(cfgs, scenario.DefaultConfig())
	}

	if o.routes != "" && len(cfgs) > 1 {
		return nil, fmt.Errorf("-routes needs exactly one scenario, got %d", len(cfgs))
	}
	for i := range cfgs {
		switch {
		case o.noRoutes:
			cfgs[i].RoutingDump = nil
		case o.routes != "":
			at := scenario.DefaultConfig().RoutingDump.At
			if cfgs[i].RoutingDump != nil {
				at = cfgs[i].RoutingDump.At
			}
			cfgs[i].RoutingDump = &scenario.RoutingDump{At: at, Path: o.routes}
		}
	}
	return cfgs, nil
}

func writeReport(w io.Writer, format string, rep *scenario.Report) error {
	if format == "json" {
		return rep.WriteJSON(w)
	}
	if err := rep.WriteText(w); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

func writePresets(w io.Writer) error {
	for _, name := range scenario.PresetNames() {
		cfg, err := scenario.Preset(name)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "# preset: %s\n", name); err != nil {
			return err
		}
		if err := scenario.EncodeConfig(w, cfg); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, "---"); err != nil {
			return err
		}
	}
	return nil
}

func writeMetrics(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}

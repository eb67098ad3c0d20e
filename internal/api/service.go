// Package api exposes scenario execution over gRPC. Messages are protobuf
// well-known types: a run request is a Struct holding the same document a
// scenario file holds, and a run reply is a Struct holding the report.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/manet-harness/internal/logging"
	"github.com/signalsfoundry/manet-harness/internal/results"
	"github.com/signalsfoundry/manet-harness/internal/scenario"
)

const (
	ServiceName = "manet.harness.v1.ScenarioService"

	RunScenarioMethod = "/" + ServiceName + "/RunScenario"
	ListPresetsMethod = "/" + ServiceName + "/ListPresets"
	ListRunsMethod    = "/" + ServiceName + "/ListRuns"
)

// Reply keys alongside the report fields.
const (
	routingTablesKey = "routing_tables"
	storeErrorKey    = "store_error"
)

var (
	// ErrBusy is returned when every run slot is taken.
	ErrBusy = errors.New("too many concurrent runs")

	errInvalidRequest = errors.New("invalid request")
)

// ScenarioServiceServer is the server API for ScenarioService.
type ScenarioServiceServer interface {
	RunScenario(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPresets(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServerOption configures a ScenarioServer.
type ServerOption func(*ScenarioServer)

// WithStore persists every completed run.
func WithStore(s results.Store) ServerOption {
	return func(srv *ScenarioServer) { srv.store = s }
}

// WithRunOptions passes options to every runner.
func WithRunOptions(opts ...scenario.Option) ServerOption {
	return func(srv *ScenarioServer) { srv.runOpts = append(srv.runOpts, opts...) }
}

// WithMaxConcurrentRuns bounds simultaneous runs; extra requests fail with
// ResourceExhausted. n <= 0 means unbounded.
func WithMaxConcurrentRuns(n int) ServerOption {
	return func(srv *ScenarioServer) {
		if n > 0 {
			srv.slots = make(chan struct{}, n)
		}
	}
}

// ScenarioServer runs scenarios on request. Every request gets its own
// runner, so runs proceed in parallel.
type ScenarioServer struct {
	log     logging.Logger
	store   results.Store
	runOpts []scenario.Option
	slots   chan struct{}
}

// NewScenarioServer constructs a ScenarioServer.
func NewScenarioServer(log logging.Logger, opts ...ServerOption) *ScenarioServer {
	s := &ScenarioServer{log: logging.OrNoop(log)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ScenarioServer) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.log
}

// RunScenario decodes the request as a scenario document, runs it and
// returns the report. A routing dump, if requested, is returned inline
// under routing_tables instead of being written on the server.
func (s *ScenarioServer) RunScenario(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cfg, err := decodeConfig(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		default:
			return nil, ToStatusError(ErrBusy)
		}
	}

	log := s.logger(ctx)
	var tables bytes.Buffer
	// Caller run options come after the server logger so they can replace it.
	opts := append([]scenario.Option{scenario.WithLogger(s.log)}, s.runOpts...)
	opts = append(opts, scenario.WithRoutingDumpWriter(&tables))

	rep, err := scenario.Execute(ctx, cfg, opts...)
	if err != nil {
		log.Warn(ctx, "scenario run rejected", logging.String("scenario", cfg.Name), logging.Err(err))
		return nil, ToStatusError(err)
	}

	fields, err := toMap(rep)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if tables.Len() > 0 {
		fields[routingTablesKey] = tables.String()
	}
	if s.store != nil {
		// The run already happened; a store failure is reported, not fatal.
		if err := s.store.Save(ctx, rep); err != nil {
			log.Error(ctx, "failed to store report", logging.String("run_id", rep.RunID), logging.Err(err))
			fields[storeErrorKey] = err.Error()
		}
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// ListPresets returns every built-in preset in scenario-file form.
func (s *ScenarioServer) ListPresets(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	presets := make(map[string]any)
	for _, name := range scenario.PresetNames() {
		cfg, err := scenario.Preset(name)
		if err != nil {
			return nil, ToStatusError(err)
		}
		var buf bytes.Buffer
		if err := scenario.EncodeConfig(&buf, cfg); err != nil {
			return nil, ToStatusError(err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
			return nil, ToStatusError(err)
		}
		presets[name] = doc
	}
	out, err := structpb.NewStruct(map[string]any{"presets": presets})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// ListRuns returns stored reports, newest first. The request may carry
// "scenario" and "limit".
func (s *ScenarioServer) ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, ToStatusError(ErrNoStore)
	}
	var name string
	var limit int
	for key, v := range req.GetFields() {
		switch key {
		case "scenario":
			name = v.GetStringValue()
		case "limit":
			limit = int(v.GetNumberValue())
		default:
			return nil, ToStatusError(fmt.Errorf("%w: unknown field %q", errInvalidRequest, key))
		}
	}

	reps, err := s.store.List(ctx, name, limit)
	if err != nil {
		return nil, ToStatusError(err)
	}
	runs := make([]any, 0, len(reps))
	for i := range reps {
		m, err := toMap(&reps[i])
		if err != nil {
			return nil, ToStatusError(err)
		}
		runs = append(runs, m)
	}
	out, err := structpb.NewStruct(map[string]any{"runs": runs})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

func decodeConfig(req *structpb.Struct) (scenario.Config, error) {
	if req == nil {
		return scenario.Config{}, fmt.Errorf("%w: empty request", errInvalidRequest)
	}
	doc, err := json.Marshal(req.AsMap())
	if err != nil {
		return scenario.Config{}, fmt.Errorf("%w: %w", errInvalidRequest, err)
	}
	return scenario.LoadConfig(bytes.NewReader(doc))
}

func toMap(rep *scenario.Report) (map[string]any, error) {
	data, err := json.Marshal(rep)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// RegisterScenarioServiceServer registers srv on s.
func RegisterScenarioServiceServer(s grpc.ServiceRegistrar, srv ScenarioServiceServer) {
	s.RegisterService(&ScenarioServiceDesc, srv)
}

// ScenarioServiceDesc describes ScenarioService for grpc.
var ScenarioServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ScenarioServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunScenario", Handler: runScenarioHandler},
		{MethodName: "ListPresets", Handler: listPresetsHandler},
		{MethodName: "ListRuns", Handler: listRunsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "manet/harness/v1/scenario.proto",
}

func runScenarioHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScenarioServiceServer).RunScenario(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunScenarioMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ScenarioServiceServer).RunScenario(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listPresetsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScenarioServiceServer).ListPresets(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListPresetsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ScenarioServiceServer).ListPresets(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listRunsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScenarioServiceServer).ListRuns(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListRunsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ScenarioServiceServer).ListRuns(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

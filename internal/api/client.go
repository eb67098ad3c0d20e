package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/manet-harness/internal/scenario"
)

// RunResult is a decoded RunScenario reply.
type RunResult struct {
	Report        scenario.Report
	RoutingTables string
	StoreError    string
}

// Client calls ScenarioService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// WithRequestID tags outgoing calls on ctx with a request id the server
// logs under request_id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, requestIDMetadataKey, id)
}

// RunScenario sends doc, a scenario document in file form.
func (c *Client) RunScenario(ctx context.Context, doc map[string]any, opts ...grpc.CallOption) (*RunResult, error) {
	in, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, fmt.Errorf("encode scenario: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, RunScenarioMethod, in, out, opts...); err != nil {
		return nil, err
	}
	res := &RunResult{
		RoutingTables: out.GetFields()[routingTablesKey].GetStringValue(),
		StoreError:    out.GetFields()[storeErrorKey].GetStringValue(),
	}
	delete(out.Fields, routingTablesKey)
	delete(out.Fields, storeErrorKey)
	if err := fromStruct(out, &res.Report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return res, nil
}

// ListPresets returns the preset documents by name.
func (c *Client) ListPresets(ctx context.Context, opts ...grpc.CallOption) (map[string]map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ListPresetsMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	presets := make(map[string]map[string]any)
	for name, v := range out.GetFields()["presets"].GetStructValue().GetFields() {
		presets[name] = v.GetStructValue().AsMap()
	}
	return presets, nil
}

// ListRuns returns stored reports, newest first.
func (c *Client) ListRuns(ctx context.Context, scenarioName string, limit int, opts ...grpc.CallOption) ([]scenario.Report, error) {
	fields := map[string]any{}
	if scenarioName != "" {
		fields["scenario"] = scenarioName
	}
	if limit > 0 {
		fields["limit"] = limit
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ListRunsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	var reply struct {
		Runs []scenario.Report `json:"runs"`
	}
	if err := fromStruct(out, &reply); err != nil {
		return nil, fmt.Errorf("decode runs: %w", err)
	}
	return reply.Runs, nil
}

package scenario

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/signalsfoundry/manet-harness/core"
	"github.com/signalsfoundry/manet-harness/internal/metrics"
	"github.com/signalsfoundry/manet-harness/internal/netstack"
	"github.com/signalsfoundry/manet-harness/internal/routing"
	"github.com/signalsfoundry/manet-harness/internal/traffic"
	"github.com/signalsfoundry/manet-harness/model"
)

var (
	// ErrConfiguration is matched by every ConfigurationError.
	ErrConfiguration = errors.New("invalid scenario configuration")
	ErrUnknownPreset = errors.New("unknown preset")
)

// ConfigurationError reports one rejected configuration field.
type ConfigurationError struct {
	Field  string
	Reason string
	// Err is the underlying package error, if any.
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// Unwrap exposes both ErrConfiguration and the underlying cause.
func (e *ConfigurationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Err}
}

func configErr(field string, cause error) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: cause.Error(), Err: cause}
}

// RoutingDump requests a routing-table snapshot of every node at At.
// Path names the output file; it may be empty when the runner is given a
// writer instead.
type RoutingDump struct {
	At   time.Duration
	Path string
}

// Config is everything a run needs. The runner copies it at construction.
type Config struct {
	Name      string
	NodeCount int
	Duration  time.Duration

	Topology core.TopologyConfig
	Radio    core.RadioModel

	Routing        routing.Kind
	RoutingOptions routing.Options
	RoutingDump    *RoutingDump

	Traffic       traffic.Params
	AddressPrefix netip.Prefix
	Window        metrics.WindowPolicy
}

// Validate reports every problem with c, joined. Each is a
// *ConfigurationError.
func (c Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if c.NodeCount <= 0 {
		errs = append(errs, configErr("node_count", fmt.Errorf("%w: got %d", core.ErrInvalidNodeCount, c.NodeCount)))
	}
	if c.Duration <= 0 {
		add("duration", "must be positive, got %v", c.Duration)
	}
	if err := c.Topology.Validate(); err != nil {
		errs = append(errs, configErr("topology", err))
	}
	if err := c.Radio.Validate(); err != nil {
		errs = append(errs, configErr("radio", err))
	}
	if err := c.RoutingOptions.Validate(c.Routing); err != nil {
		errs = append(errs, configErr("routing", err))
	}
	if c.NodeCount > 0 && c.Duration > 0 {
		if err := c.Traffic.Validate(c.NodeCount, c.Duration); err != nil {
			var pe *traffic.ParamError
			for _, e := range unjoin(err) {
				field := "traffic"
				if errors.As(e, &pe) {
					field = "traffic." + pe.Field
				}
				errs = append(errs, configErr(field, e))
			}
		}
	}
	if capacity := netstack.HostCapacity(c.AddressPrefix); capacity == 0 {
		add("address_prefix", "%v is not a usable IPv4 prefix", c.AddressPrefix)
	} else if c.NodeCount > capacity {
		add("address_prefix", "%v holds %d hosts, need %d", c.AddressPrefix, capacity, c.NodeCount)
	}
	if _, err := metrics.ParseWindowPolicy(string(c.Window)); err != nil {
		errs = append(errs, configErr("window", err))
	}
	if d := c.RoutingDump; d != nil && (d.At < 0 || d.At >= c.Duration) {
		add("routing_dump.at", "%v is outside the run [0, %v)", d.At, c.Duration)
	}
	return errors.Join(errs...)
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// DefaultConfig is the static DSDV experiment.
func DefaultConfig() Config {
	cfg, _ := Preset(PresetDSDVStatic)
	return cfg
}

// Preset names.
const (
	PresetDSDVStatic = "dsdv-static"
	PresetDSDVMobile = "dsdv-mobile"
	PresetOLSRMobile = "olsr-mobile"
)

var presets = map[string]func() Config{
	// 25 nodes on a 5 m diagonal, throughput over the active window.
	PresetDSDVStatic: func() Config {
		cfg := baseConfig(PresetDSDVStatic, 25, routing.KindDSDV)
		cfg.Topology = core.TopologyConfig{Kind: core.TopologyStaticGrid, Spacing: 5}
		cfg.Window = metrics.WindowActive
		cfg.RoutingDump = &RoutingDump{At: 5 * time.Second, Path: "dsdv_static.routes"}
		return cfg
	},
	// Five walkers in 50x50 m, throughput over the whole run.
	PresetDSDVMobile: func() Config {
		cfg := baseConfig(PresetDSDVMobile, 5, routing.KindDSDV)
		cfg.Topology = mobileTopology()
		cfg.Window = metrics.WindowFixed
		cfg.RoutingDump = &RoutingDump{At: 5 * time.Second, Path: "dsdv_mobile.routes"}
		return cfg
	},
	PresetOLSRMobile: func() Config {
		cfg := baseConfig(PresetOLSRMobile, 5, routing.KindOLSR)
		cfg.Topology = mobileTopology()
		cfg.Window = metrics.WindowActive
		cfg.RoutingDump = &RoutingDump{At: 5 * time.Second, Path: "olsr_mobile.routes"}
		return cfg
	},
}

func baseConfig(name string, n int, kind routing.Kind) Config {
	return Config{
		Name:           name,
		NodeCount:      n,
		Duration:       20 * time.Second,
		Radio:          core.DefaultRadioModel(),
		Routing:        kind,
		RoutingOptions: routing.DefaultOptions(),
		Traffic:        traffic.DefaultParams(),
		AddressPrefix:  netip.MustParsePrefix("10.1.1.0/24"),
	}
}

func mobileTopology() core.TopologyConfig {
	return core.TopologyConfig{
		Kind:           core.TopologyMobileRandomWalk,
		Bounds:         model.Rectangle{XMin: 0, XMax: 50, YMin: 0, YMax: 50},
		Speed:          3,
		ResamplePeriod: time.Second,
		Seed:           1,
	}
}

// Preset returns a fresh copy of a named configuration.
func Preset(name string) (Config, error) {
	mk, ok := presets[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q (have %v)", ErrUnknownPreset, name, PresetNames())
	}
	return mk(), nil
}

// PresetNames lists the presets in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// clone deep-copies the pointer fields of c.
func (c Config) clone() Config {
	if c.RoutingDump != nil {
		d := *c.RoutingDump
		c.RoutingDump = &d
	}
	return c
}

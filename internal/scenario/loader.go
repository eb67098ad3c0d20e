package scenario

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/manet-harness/core"
	"github.com/signalsfoundry/manet-harness/internal/metrics"
	"github.com/signalsfoundry/manet-harness/internal/routing"
	"github.com/signalsfoundry/manet-harness/model"
)

// duration reads "1.5s"-style strings or bare numbers of seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", n.Line)
	}
	switch n.Tag {
	case "!!int", "!!float":
		secs, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		*d = duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func durationPtr(d time.Duration) *duration {
	v := duration(d)
	return &v
}

// The file shapes mirror Config with every field optional, so a file only
// overrides what it names.
type fileConfig struct {
	Preset        string        `yaml:"preset,omitempty"`
	Name          *string       `yaml:"name,omitempty"`
	Nodes         *int          `yaml:"nodes,omitempty"`
	Duration      *duration     `yaml:"duration,omitempty"`
	Window        *string       `yaml:"window,omitempty"`
	AddressPrefix *string       `yaml:"address_prefix,omitempty"`
	Topology      *fileTopology `yaml:"topology,omitempty"`
	Radio         *fileRadio    `yaml:"radio,omitempty"`
	Routing       *fileRouting  `yaml:"routing,omitempty"`
	Traffic       *fileTraffic  `yaml:"traffic,omitempty"`
}

type fileTopology struct {
	Kind           *string          `yaml:"kind,omitempty"`
	Spacing        *float64         `yaml:"spacing,omitempty"`
	Bounds         *model.Rectangle `yaml:"bounds,omitempty"`
	Speed          *float64         `yaml:"speed,omitempty"`
	ResamplePeriod *duration        `yaml:"resample_period,omitempty"`
	Seed           *uint64          `yaml:"seed,omitempty"`
}

type fileRadio struct {
	DataRateMbps     *float64 `yaml:"data_rate_mbps,omitempty"`
	TxPowerDBm       *float64 `yaml:"tx_power_dbm,omitempty"`
	ReferenceLossDB  *float64 `yaml:"reference_loss_db,omitempty"`
	PathLossExponent *float64 `yaml:"path_loss_exponent,omitempty"`
	RxSensitivityDBm *float64 `yaml:"rx_sensitivity_dbm,omitempty"`
	NoiseFloorDBm    *float64 `yaml:"noise_floor_dbm,omitempty"`
	MaxRangeM        *float64 `yaml:"max_range_m,omitempty"`
}

type fileRouting struct {
	Protocol *string   `yaml:"protocol,omitempty"`
	DSDV     *fileDSDV `yaml:"dsdv,omitempty"`
	OLSR     *fileOLSR `yaml:"olsr,omitempty"`
	Dump     *fileDump `yaml:"dump,omitempty"`
}

type fileDSDV struct {
	PeriodicUpdateInterval *duration `yaml:"periodic_update_interval,omitempty"`
}

type fileOLSR struct {
	HelloInterval *duration `yaml:"hello_interval,omitempty"`
	TCInterval    *duration `yaml:"tc_interval,omitempty"`
}

type fileDump struct {
	Disabled bool      `yaml:"disabled,omitempty"`
	At       *duration `yaml:"at,omitempty"`
	Path     *string   `yaml:"path,omitempty"`
}

type fileTraffic struct {
	SinkIndex   *int      `yaml:"sink_index,omitempty"`
	Port        *uint16   `yaml:"port,omitempty"`
	PacketSize  *int      `yaml:"packet_size,omitempty"`
	MaxPackets  *int      `yaml:"max_packets,omitempty"`
	Interval    *duration `yaml:"interval,omitempty"`
	SinkStart   *duration `yaml:"sink_start,omitempty"`
	SinkStop    *duration `yaml:"sink_stop,omitempty"`
	SourceStart *duration `yaml:"source_start,omitempty"`
	SourceStop  *duration `yaml:"source_stop,omitempty"`
	WarmUp      *duration `yaml:"warm_up,omitempty"`
}

// LoadConfig reads a YAML (or JSON) scenario description. Fields the file
// omits come from the named preset, or from DefaultConfig. The result is
// not validated; NewRunner does that.
func LoadConfig(r io.Reader) (Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var fc fileConfig
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, configErr("file", err)
	}

	cfg := DefaultConfig()
	if fc.Preset != "" {
		base, err := Preset(fc.Preset)
		if err != nil {
			return Config{}, configErr("preset", err)
		}
		cfg = base
	}
	if err := fc.apply(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile is LoadConfig on a file.
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, configErr("file", err)
	}
	defer f.Close()
	return LoadConfig(f)
}

func (fc fileConfig) apply(cfg *Config) error {
	set(&cfg.Name, fc.Name)
	set(&cfg.NodeCount, fc.Nodes)
	setDuration(&cfg.Duration, fc.Duration)
	if fc.Window != nil {
		cfg.Window = metrics.WindowPolicy(*fc.Window)
	}
	if fc.AddressPrefix != nil {
		prefix, err := netip.ParsePrefix(*fc.AddressPrefix)
		if err != nil {
			return configErr("address_prefix", err)
		}
		cfg.AddressPrefix = prefix
	}

	if t := fc.Topology; t != nil {
		if t.Kind != nil {
			cfg.Topology.Kind = core.TopologyKind(*t.Kind)
		}
		set(&cfg.Topology.Spacing, t.Spacing)
		set(&cfg.Topology.Bounds, t.Bounds)
		set(&cfg.Topology.Speed, t.Speed)
		setDuration(&cfg.Topology.ResamplePeriod, t.ResamplePeriod)
		set(&cfg.Topology.Seed, t.Seed)
	}

	if rd := fc.Radio; rd != nil {
		set(&cfg.Radio.DataRateMbps, rd.DataRateMbps)
		set(&cfg.Radio.TxPowerDBm, rd.TxPowerDBm)
		set(&cfg.Radio.ReferenceLossDB, rd.ReferenceLossDB)
		set(&cfg.Radio.PathLossExponent, rd.PathLossExponent)
		set(&cfg.Radio.RxSensitivityDBm, rd.RxSensitivityDBm)
		set(&cfg.Radio.NoiseFloorDBm, rd.NoiseFloorDBm)
		set(&cfg.Radio.MaxRangeM, rd.MaxRangeM)
	}

	if rt := fc.Routing; rt != nil {
		if rt.Protocol != nil {
			kind, err := routing.ParseKind(*rt.Protocol)
			if err != nil {
				return configErr("routing.protocol", err)
			}
			cfg.Routing = kind
		}
		if rt.DSDV != nil {
			setDuration(&cfg.RoutingOptions.DSDV.PeriodicUpdateInterval, rt.DSDV.PeriodicUpdateInterval)
		}
		if rt.OLSR != nil {
			setDuration(&cfg.RoutingOptions.OLSR.HelloInterval, rt.OLSR.HelloInterval)
			setDuration(&cfg.RoutingOptions.OLSR.TCInterval, rt.OLSR.TCInterval)
		}
		if d := rt.Dump; d != nil {
			if d.Disabled {
				cfg.RoutingDump = nil
			} else {
				if cfg.RoutingDump == nil {
					cfg.RoutingDump = &RoutingDump{}
				}
				setDuration(&cfg.RoutingDump.At, d.At)
				set(&cfg.RoutingDump.Path, d.Path)
			}
		}
	}

	if tr := fc.Traffic; tr != nil {
		p := &cfg.Traffic
		set(&p.SinkIndex, tr.SinkIndex)
		set(&p.Port, tr.Port)
		set(&p.PacketSize, tr.PacketSize)
		set(&p.MaxPackets, tr.MaxPackets)
		setDuration(&p.Interval, tr.Interval)
		setDuration(&p.SinkStart, tr.SinkStart)
		setDuration(&p.SinkStop, tr.SinkStop)
		setDuration(&p.SourceStart, tr.SourceStart)
		setDuration(&p.SourceStop, tr.SourceStop)
		setDuration(&p.WarmUp, tr.WarmUp)
	}
	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *duration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}

// EncodeConfig writes cfg in the LoadConfig file format.
func EncodeConfig(w io.Writer, cfg Config) error {
	fc := fileConfig{
		Name:          &cfg.Name,
		Nodes:         &cfg.NodeCount,
		Duration:      durationPtr(cfg.Duration),
		Window:        ptr(string(cfg.Window)),
		AddressPrefix: ptr(cfg.AddressPrefix.String()),
		Topology: &fileTopology{
			Kind:           ptr(string(cfg.Topology.Kind)),
			Spacing:        &cfg.Topology.Spacing,
			Bounds:         &cfg.Topology.Bounds,
			Speed:          &cfg.Topology.Speed,
			ResamplePeriod: durationPtr(cfg.Topology.ResamplePeriod),
			Seed:           &cfg.Topology.Seed,
		},
		Radio: &fileRadio{
			DataRateMbps:     &cfg.Radio.DataRateMbps,
			TxPowerDBm:       &cfg.Radio.TxPowerDBm,
			ReferenceLossDB:  &cfg.Radio.ReferenceLossDB,
			PathLossExponent: &cfg.Radio.PathLossExponent,
			RxSensitivityDBm: &cfg.Radio.RxSensitivityDBm,
			NoiseFloorDBm:    &cfg.Radio.NoiseFloorDBm,
			MaxRangeM:        &cfg.Radio.MaxRangeM,
		},
		Routing: &fileRouting{
			Protocol: ptr(string(cfg.Routing)),
			DSDV:     &fileDSDV{PeriodicUpdateInterval: durationPtr(cfg.RoutingOptions.DSDV.PeriodicUpdateInterval)},
			OLSR: &fileOLSR{
				HelloInterval: durationPtr(cfg.RoutingOptions.OLSR.HelloInterval),
				TCInterval:    durationPtr(cfg.RoutingOptions.OLSR.TCInterval),
			},
			Dump: &fileDump{Disabled: true},
		},
		Traffic: &fileTraffic{
			SinkIndex:   &cfg.Traffic.SinkIndex,
			Port:        &cfg.Traffic.Port,
			PacketSize:  &cfg.Traffic.PacketSize,
			MaxPackets:  &cfg.Traffic.MaxPackets,
			Interval:    durationPtr(cfg.Traffic.Interval),
			SinkStart:   durationPtr(cfg.Traffic.SinkStart),
			SinkStop:    durationPtr(cfg.Traffic.SinkStop),
			SourceStart: durationPtr(cfg.Traffic.SourceStart),
			SourceStop:  durationPtr(cfg.Traffic.SourceStop),
			WarmUp:      durationPtr(cfg.Traffic.WarmUp),
		},
	}
	if d := cfg.RoutingDump; d != nil {
		fc.Routing.Dump = &fileDump{At: durationPtr(d.At), Path: &d.Path}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(fc); err != nil {
		return err
	}
	return enc.Close()
}

func ptr[T any](v T) *T { return &v }

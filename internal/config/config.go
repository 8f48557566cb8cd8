// Package config loads controller configuration files. A file describes the
// controller geometry, its tuning limits and the virtual devices plugged
// into its ports; TOML and YAML are both accepted.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/xhci/internal/devices/usb/vusb"
	"github.com/tinyrange/xhci/internal/devices/usb/xhci"
)

// Device kinds a file can attach.
const (
	KindKeyboard = "keyboard"
	KindLoopback = "loopback"
)

// File is the on-disk configuration.
type File struct {
	Name     string `yaml:"name" toml:"name"`
	MemoryMB uint64 `yaml:"memoryMB,omitempty" toml:"memory_mb"`

	Controller Controller `yaml:"controller" toml:"controller"`
	Devices    []Device   `yaml:"devices,omitempty" toml:"devices"`
}

// Controller mirrors the tunable fields of xhci.Options.
type Controller struct {
	USB2Ports    int `yaml:"usb2Ports" toml:"usb2_ports"`
	USB3Ports    int `yaml:"usb3Ports" toml:"usb3_ports"`
	MaxSlots     int `yaml:"maxSlots,omitempty" toml:"max_slots"`
	Interrupters int `yaml:"interrupters,omitempty" toml:"interrupters"`

	MaxTRBsPerWalk  int    `yaml:"maxTRBsPerWalk,omitempty" toml:"max_trbs_per_walk"`
	MaxBulkInFlight int    `yaml:"maxBulkInFlight,omitempty" toml:"max_bulk_in_flight"`
	MaxIsocInFlight int    `yaml:"maxIsocInFlight,omitempty" toml:"max_isoc_in_flight"`
	CommandBudget   int    `yaml:"commandBudget,omitempty" toml:"command_budget"`
	ERDPDebounce    int    `yaml:"erdpDebounce,omitempty" toml:"erdp_debounce"`
	AsyncTimeout    string `yaml:"asyncTimeout,omitempty" toml:"async_timeout"`
}

// Device is a virtual device attached to a root hub port.
type Device struct {
	Port  int    `yaml:"port" toml:"port"`
	Kind  string `yaml:"kind" toml:"kind"`
	Speed string `yaml:"speed,omitempty" toml:"speed"`
}

// Default is the configuration used when no file is given.
func Default() File {
	f := File{
		Controller: Controller{USB2Ports: 4, USB3Ports: 4},
		Devices: []Device{
			{Port: 1, Kind: KindKeyboard},
			{Port: 2, Kind: KindLoopback, Speed: "high"},
			{Port: 5, Kind: KindLoopback, Speed: "super"},
		},
	}
	f.normalize()
	return f
}

func (f *File) normalize() {
	if f.Name == "" {
		f.Name = "xhci"
	}
	if f.MemoryMB == 0 {
		f.MemoryMB = 64
	}
	for i := range f.Devices {
		d := &f.Devices[i]
		d.Kind = strings.ToLower(d.Kind)
		d.Speed = strings.ToLower(d.Speed)
		if d.Speed == "" {
			switch {
			case d.Kind == KindKeyboard:
				d.Speed = "full"
			case d.Port > f.Controller.USB2Ports:
				d.Speed = "super"
			default:
				d.Speed = "high"
			}
		}
	}
}

// Load reads a configuration file. The format follows the extension:
// .toml, or .yaml/.yml.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}

	var f File
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return File{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return File{}, fmt.Errorf("parse %s: unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return File{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return File{}, fmt.Errorf("config %s: unsupported format %q", path, ext)
	}

	f.normalize()
	if err := f.Validate(); err != nil {
		return File{}, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}

// Validate reports every problem in the file at once.
func (f File) Validate() error {
	var result *multierror.Error
	c := f.Controller

	if f.MemoryMB != 0 && f.MemoryMB < 4 {
		result = multierror.Append(result, fmt.Errorf("memoryMB %d too small, need at least 4", f.MemoryMB))
	}
	if c.USB2Ports < 0 || c.USB3Ports < 0 {
		result = multierror.Append(result, fmt.Errorf("port counts must not be negative"))
	}
	if c.USB2Ports+c.USB3Ports == 0 {
		result = multierror.Append(result, fmt.Errorf("controller needs at least one port"))
	}
	if c.USB2Ports+c.USB3Ports > 127 {
		result = multierror.Append(result, fmt.Errorf("%d ports exceed the limit of 127", c.USB2Ports+c.USB3Ports))
	}
	if c.MaxSlots < 0 || c.MaxSlots > 255 {
		result = multierror.Append(result, fmt.Errorf("maxSlots %d out of range 1..255", c.MaxSlots))
	}
	if c.Interrupters < 0 || c.Interrupters > 127 {
		result = multierror.Append(result, fmt.Errorf("interrupters %d out of range 1..127", c.Interrupters))
	}
	if c.MaxTRBsPerWalk != 0 && c.MaxTRBsPerWalk < 2 {
		result = multierror.Append(result, fmt.Errorf("maxTRBsPerWalk %d too small", c.MaxTRBsPerWalk))
	}
	for name, v := range map[string]int{
		"maxBulkInFlight": c.MaxBulkInFlight,
		"maxIsocInFlight": c.MaxIsocInFlight,
		"commandBudget":   c.CommandBudget,
		"erdpDebounce":    c.ERDPDebounce,
	} {
		if v < 0 {
			result = multierror.Append(result, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.AsyncTimeout != "" {
		if d, err := time.ParseDuration(c.AsyncTimeout); err != nil {
			result = multierror.Append(result, fmt.Errorf("asyncTimeout: %w", err))
		} else if d <= 0 {
			result = multierror.Append(result, fmt.Errorf("asyncTimeout must be positive"))
		}
	}

	used := make(map[int]bool)
	for _, d := range f.Devices {
		if d.Port < 1 || d.Port > c.USB2Ports+c.USB3Ports {
			result = multierror.Append(result, fmt.Errorf("device on port %d: no such port", d.Port))
			continue
		}
		if used[d.Port] {
			result = multierror.Append(result, fmt.Errorf("device on port %d: port already in use", d.Port))
		}
		used[d.Port] = true

		speed, err := ParseSpeed(d.Speed)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("device on port %d: %w", d.Port, err))
			continue
		}
		usb3Port := d.Port > c.USB2Ports
		if speed.IsSuperSpeed() != usb3Port {
			result = multierror.Append(result, fmt.Errorf("device on port %d: %s speed does not fit the port", d.Port, speed))
		}
		switch d.Kind {
		case KindKeyboard:
			if speed != vusb.SpeedFull {
				result = multierror.Append(result, fmt.Errorf("device on port %d: keyboards are full speed", d.Port))
			}
		case KindLoopback:
			if speed == vusb.SpeedLow {
				result = multierror.Append(result, fmt.Errorf("device on port %d: bulk endpoints need full speed or faster", d.Port))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("device on port %d: unknown kind %q", d.Port, d.Kind))
		}
	}
	return result.ErrorOrNil()
}

// ParseSpeed parses a speed name.
func ParseSpeed(s string) (vusb.Speed, error) {
	switch s {
	case "low":
		return vusb.SpeedLow, nil
	case "full":
		return vusb.SpeedFull, nil
	case "high":
		return vusb.SpeedHigh, nil
	case "super":
		return vusb.SpeedSuper, nil
	}
	return vusb.SpeedUnknown, fmt.Errorf("unknown speed %q", s)
}

// Options converts the controller section. Collaborators (memory, transport,
// interrupt line, logger) are left for the caller.
func (f File) Options() xhci.Options {
	c := f.Controller
	opts := xhci.Options{
		Name:            f.Name,
		USB2Ports:       c.USB2Ports,
		USB3Ports:       c.USB3Ports,
		MaxSlots:        c.MaxSlots,
		Interrupters:    c.Interrupters,
		MaxTRBsPerWalk:  c.MaxTRBsPerWalk,
		MaxBulkInFlight: c.MaxBulkInFlight,
		MaxIsocInFlight: c.MaxIsocInFlight,
		CommandBudget:   c.CommandBudget,
		ERDPDebounce:    c.ERDPDebounce,
	}
	if d, err := time.ParseDuration(c.AsyncTimeout); err == nil {
		opts.AsyncTimeout = d
	}
	return opts
}

// NewDevice builds the virtual device d describes.
func (d Device) NewDevice() (vusb.Device, error) {
	speed, err := ParseSpeed(d.Speed)
	if err != nil {
		return nil, err
	}
	switch d.Kind {
	case KindKeyboard:
		return vusb.NewKeyboard(), nil
	case KindLoopback:
		return vusb.NewLoopback(speed), nil
	}
	return nil, fmt.Errorf("unknown device kind %q", d.Kind)
}

// Write stores f as YAML or TOML, following the extension of path.
func Write(path string, f File) error {
	f.normalize()

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer out.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.NewEncoder(out).Encode(f); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
	return out.Close()
}

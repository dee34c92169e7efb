// ════════════════════════════════════════════════════════════════════════════════════════════════
// Kernel Configuration
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: YAML Document Model and Validation
//
// Description:
//   One document describes the logger, the trigger devices (timing sources) and the modules
//   attached to them.  Decoding is strict: unknown keys are errors.  Validate reports every
//   problem at once, each wrapped in rtthread.ErrInvalidConfiguration.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rtkernel/constants"
	"rtkernel/klog"
	"rtkernel/rtthread"
	"rtkernel/trigger"
)

// Kernel is the root of the document.
type Kernel struct {
	LogLevel    string   `yaml:"log_level"`
	LogPoolSize int      `yaml:"log_pool_size"`
	DumpLogSize int      `yaml:"dump_log_size"`
	LogSync     bool     `yaml:"log_sync"`
	LogFormat   string   `yaml:"log_format"` // text (default) or json
	LogDB       string   `yaml:"log_db"`     // optional sqlite file receiving every record
	MetricsAddr string   `yaml:"metrics_addr"`
	Devices     []Device `yaml:"trigger_devices"`
	Modules     []Module `yaml:"modules"`
}

// Device is a named timing source.  A positive rate starts a clock thread
// with the given scheduling parameters; rate 0 leaves the device to be
// triggered from outside.
type Device struct {
	Name     string        `yaml:"name"`
	Rate     float64       `yaml:"rate"`
	ClockID  int           `yaml:"clock_id"`
	Prio     int           `yaml:"prio"`
	Affinity Affinity      `yaml:"affinity"`
	Spin     time.Duration `yaml:"spin"` // busy-wait window before each deadline, e.g. "50us"
}

// Module is one module instance.
type Module struct {
	Name     string  `yaml:"name"`
	Kind     string  `yaml:"kind"`
	PDLength int     `yaml:"pd_length"`
	Source   string  `yaml:"source"` // upstream module for kinds that read another's output
	Trigger  Trigger `yaml:"trigger"`

	// ClkDevice is ticked whenever the module publishes its outputs.  Empty
	// means a device named "<name>.outputs" is created for that purpose.
	ClkDevice string `yaml:"clk_device"`
}

// OutputsSuffix names the device generated for a module's outputs.
const OutputsSuffix = ".outputs"

// OutputsDevice returns the device ticked by pushes of m's outputs.
func (m Module) OutputsDevice() string {
	if m.ClkDevice != "" {
		return m.ClkDevice
	}
	return m.Name + OutputsSuffix
}

// Trigger attaches a module to a device.
type Trigger struct {
	Device     string   `yaml:"device"`
	Divisor    int      `yaml:"divisor"` // defaults to 1 when absent
	Prio       int      `yaml:"prio"`
	Affinity   Affinity `yaml:"affinity"`
	DirectMode bool     `yaml:"direct_mode"`
	ClockID    int      `yaml:"clock_id"`
}

func (t *Trigger) UnmarshalYAML(n *yaml.Node) error {
	type plain Trigger
	p := plain{Divisor: constants.DefaultDivisor}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*t = Trigger(p)
	return nil
}

// Affinity is a CPU mask written either as one CPU index, a list of
// indices, or a hex mask string ("0x0c").
type Affinity rtthread.CPUMask

func (a *Affinity) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if strings.HasPrefix(n.Value, "0x") || strings.HasPrefix(n.Value, "0X") {
			v, err := strconv.ParseUint(n.Value[2:], 16, 64)
			if err != nil {
				return fmt.Errorf("line %d: affinity %q: %w", n.Line, n.Value, err)
			}
			*a = Affinity(v)
			return nil
		}
		var cpu int
		if err := n.Decode(&cpu); err != nil {
			return err
		}
		m, err := rtthread.MaskOf(cpu)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		*a = Affinity(m)
		return nil
	case yaml.SequenceNode:
		var cpus []int
		if err := n.Decode(&cpus); err != nil {
			return err
		}
		m, err := rtthread.MaskOf(cpus...)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		*a = Affinity(m)
		return nil
	}
	return fmt.Errorf("line %d: affinity must be a cpu index or a list of indices", n.Line)
}

// Mask converts to the thread package type.
func (a Affinity) Mask() rtthread.CPUMask { return rtthread.CPUMask(a) }

// Load reads and validates the document at path.
func Load(path string) (*Kernel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	k, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return k, nil
}

// Parse decodes and validates a document.
func Parse(data []byte) (*Kernel, error) {
	var k Kernel
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&k); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", rtthread.ErrInvalidConfiguration, err)
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return &k, nil
}

// Level returns the parsed log level.
func (k *Kernel) Level() klog.Level {
	lvl, _ := klog.ParseLevel(k.LogLevel)
	return lvl
}

// Device looks up a device by name.
func (k *Kernel) Device(name string) (Device, bool) {
	for _, d := range k.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

// Validate checks every cross-field rule and returns all violations joined.
func (k *Kernel) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{rtthread.ErrInvalidConfiguration}, args...)...))
	}

	if _, err := klog.ParseLevel(k.LogLevel); err != nil {
		bad("log_level: %v", err)
	}
	if k.LogPoolSize < 0 {
		bad("log_pool_size %d < 0", k.LogPoolSize)
	}
	if k.DumpLogSize < 0 {
		bad("dump_log_size %d < 0", k.DumpLogSize)
	}
	switch k.LogFormat {
	case "", "text", "json":
	default:
		bad("log_format %q (want text or json)", k.LogFormat)
	}

	devices := make(map[string]bool, len(k.Devices))
	for i, d := range k.Devices {
		where := fmt.Sprintf("trigger_devices[%d]", i)
		switch {
		case d.Name == "":
			bad("%s: missing name", where)
		case devices[d.Name]:
			bad("%s: duplicate device %q", where, d.Name)
		}
		devices[d.Name] = true
		if d.Rate < 0 {
			bad("%s: rate %g < 0", where, d.Rate)
		}
		if d.ClockID < -1 {
			bad("%s: clock_id %d", where, d.ClockID)
		}
		switch {
		case d.Spin < 0:
			bad("%s: spin %s < 0", where, d.Spin)
		case d.Spin > 0 && d.Rate == 0:
			bad("%s: spin needs a clocked device (rate > 0)", where)
		case d.Rate > 0 && d.Spin >= trigger.PeriodFromRate(d.Rate):
			bad("%s: spin %s not below the period %s", where, d.Spin, trigger.PeriodFromRate(d.Rate))
		}
		if err := d.Attr().Validate(); err != nil {
			bad("%s: %v", where, err)
		}
	}

	// devices generated for module outputs can be named like configured ones
	generated := make(map[string]bool, len(k.Modules))
	for i, m := range k.Modules {
		if m.Name == "" || m.ClkDevice != "" || generated[m.Name] {
			continue
		}
		generated[m.Name] = true
		name := m.OutputsDevice()
		if devices[name] {
			bad("modules[%d] (%s): outputs device %q collides with another device", i, m.Name, name)
		}
		devices[name] = true
	}

	modules := make(map[string]bool, len(k.Modules))
	for i, m := range k.Modules {
		where := fmt.Sprintf("modules[%d]", i)
		if m.Name != "" {
			where += " (" + m.Name + ")"
		}
		switch {
		case m.Name == "":
			bad("%s: missing name", where)
		case modules[m.Name]:
			bad("%s: duplicate module", where)
		}
		modules[m.Name] = true
		if m.Kind == "" {
			bad("%s: missing kind", where)
		}
		if m.PDLength < 0 {
			bad("%s: pd_length %d < 0", where, m.PDLength)
		}

		t := m.Trigger
		if !devices[t.Device] {
			bad("%s: trigger device %q not defined", where, t.Device)
		}
		if m.ClkDevice != "" && !devices[m.ClkDevice] {
			bad("%s: clk_device %q not defined", where, m.ClkDevice)
		}
		if m.Name != "" && t.Device == m.OutputsDevice() {
			bad("%s: triggered by its own outputs device %q", where, t.Device)
		}
		if t.Divisor < 1 {
			bad("%s: divisor %d < 1", where, t.Divisor)
		}
		if t.ClockID < -1 {
			bad("%s: clock_id %d", where, t.ClockID)
		}
		if !t.DirectMode {
			if err := rtthread.AttrFromPrio(m.Name, t.Prio, t.Affinity.Mask()).Validate(); err != nil {
				bad("%s: %v", where, err)
			}
		}
	}
	for i, m := range k.Modules {
		if m.Source != "" && !modules[m.Source] {
			bad("modules[%d] (%s): source %q not defined", i, m.Name, m.Source)
		}
	}
	return errors.Join(errs...)
}

// Attr returns the clock thread attributes of d.
func (d Device) Attr() rtthread.Attr {
	return rtthread.AttrFromPrio("rk:clock:"+d.Name, d.Prio, d.Affinity.Mask())
}

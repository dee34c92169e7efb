// ════════════════════════════════════════════════════════════════════════════════════════════════
// Kernel
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Assembly and Lifecycle of One Configured Kernel
//
// Description:
//   New turns a validated configuration document into live objects: the log pipeline, the
//   metrics registry, one trigger device per entry, a clock thread for every device with a
//   positive rate, and one module instance per entry built by its registered factory.  Every
//   module without a clk_device also gets a "<name>.outputs" device that its pushes tick, so
//   other modules can be driven by its fresh output.  Nothing runs until Start.
//
// Lifecycle:
//   - Start: log thread, module attachment (workers spawn here), then clocks
//   - Stop:  clocks, devices (workers retire), module Close hooks, log pipeline
//   - Stop is idempotent and also cleans up after a Start that failed part way
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package kernel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/sugawarayuuta/sonnet"

	"rtkernel/config"
	"rtkernel/klog"
	"rtkernel/metrics"
	"rtkernel/rtthread"
	"rtkernel/trigger"
	"rtkernel/worker"
)

var ErrStarted = errors.New("kernel: already started")

// Option customises New.
type Option func(*options)

type options struct {
	sink    klog.Sink
	metrics *metrics.Metrics
}

// WithSink replaces the sinks derived from the document.
func WithSink(s klog.Sink) Option { return func(o *options) { o.sink = s } }

// WithMetrics shares an existing registry.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

type instance struct {
	mod  worker.Module
	cfg  config.Module
	dev  *trigger.Device
	trig trigger.ExternalTrigger
}

type device struct {
	dev       *trigger.Device
	clock     *trigger.Clock // nil for externally driven devices
	clk       trigger.ClockID
	generated bool // created for a module's outputs
}

// Kernel owns every thread started from one configuration document.
type Kernel struct {
	cfg     *config.Kernel
	log     *klog.Logger
	slog    *slog.Logger
	metrics *metrics.Metrics

	devices []*device
	byName  map[string]*device
	modules []*instance
	byMod   map[string]*instance

	mu       sync.Mutex
	started  bool
	attached int
	stopped  bool
}

// New assembles a kernel from cfg.  cfg must have passed Validate.
func New(cfg *config.Kernel, reg *Registry, opts ...Option) (*Kernel, error) {
	if cfg == nil || reg == nil {
		return nil, fmt.Errorf("%w: nil configuration or registry", rtthread.ErrInvalidConfiguration)
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	sink := o.sink
	if sink == nil {
		var err error
		if sink, err = documentSink(cfg); err != nil {
			return nil, err
		}
	}
	lg, err := klog.New(sink, klog.Options{
		Level:    cfg.Level(),
		PoolSize: cfg.LogPoolSize,
		DumpSize: cfg.DumpLogSize,
		Sync:     cfg.LogSync,
		Metrics:  o.metrics,
	})
	if err != nil {
		_ = sink.Close()
		return nil, err
	}

	k := &Kernel{
		cfg:     cfg,
		log:     lg,
		slog:    lg.Slog(),
		metrics: o.metrics,
		byName:  make(map[string]*device, len(cfg.Devices)),
		byMod:   make(map[string]*instance, len(cfg.Modules)),
	}

	if err := k.build(reg); err != nil {
		k.closeModules()
		_ = lg.Close()
		return nil, err
	}
	return k, nil
}

// documentSink renders log_format and log_db into a sink.
func documentSink(cfg *config.Kernel) (klog.Sink, error) {
	// MultiWriter hides os.Stderr's Close from the sink
	out := io.MultiWriter(os.Stderr)
	var s klog.Sink = klog.WriterSink{W: out}
	if cfg.LogFormat == "json" {
		s = klog.JSONSink{W: out}
	}
	if cfg.LogDB == "" {
		return s, nil
	}
	db, err := klog.OpenSQLite(cfg.LogDB)
	if err != nil {
		return nil, err
	}
	return klog.MultiSink{s, db}, nil
}

func (k *Kernel) build(reg *Registry) error {
	for _, dc := range k.cfg.Devices {
		d := &device{
			dev: trigger.NewDevice(dc.Name, dc.Rate, k.slog, k.metrics),
			clk: trigger.ClockID(dc.ClockID),
		}
		if dc.Rate > 0 {
			c, err := trigger.NewClock(trigger.ClockConfig{
				Attr:    dc.Attr(),
				Period:  trigger.PeriodFromRate(dc.Rate),
				ClockID: trigger.ClockID(dc.ClockID),
				Spin:    dc.Spin,
			}, d.dev, k.slog.With("device", dc.Name))
			if err != nil {
				return fmt.Errorf("device %s: %w", dc.Name, err)
			}
			d.clock = c
		}
		k.devices = append(k.devices, d)
		k.byName[dc.Name] = d
	}

	for _, mc := range k.cfg.Modules {
		if mc.ClkDevice != "" {
			continue
		}
		name := mc.OutputsDevice()
		if _, ok := k.byName[name]; ok {
			return fmt.Errorf("module %s: outputs device %q already exists", mc.Name, name)
		}
		d := &device{
			dev:       trigger.NewDevice(name, 0, k.slog, k.metrics),
			clk:       trigger.AnyClock,
			generated: true,
		}
		k.devices = append(k.devices, d)
		k.byName[name] = d
	}

	lookup := func(name string) (worker.Module, bool) {
		in, ok := k.byMod[name]
		if !ok {
			return nil, false
		}
		return in.mod, true
	}
	for _, mc := range k.cfg.Modules {
		f, ok := reg.Lookup(mc.Kind)
		if !ok {
			return fmt.Errorf("%w: module %s: %s", ErrUnknownKind, mc.Name, mc.Kind)
		}
		d, ok := k.byName[mc.Trigger.Device]
		if !ok {
			return fmt.Errorf("%w: module %s: %s", ErrNoSuchDevice, mc.Name, mc.Trigger.Device)
		}
		out, ok := k.byName[mc.OutputsDevice()]
		if !ok {
			return fmt.Errorf("%w: module %s: clk_device %s", ErrNoSuchDevice, mc.Name, mc.ClkDevice)
		}
		m, err := f(Env{
			Config:       mc,
			Log:          k.slog.With("module", mc.Name),
			Outputs:      out.dev,
			OutputsClock: out.clk,
			lookup:       lookup,
		})
		if err != nil {
			return fmt.Errorf("module %s: %w", mc.Name, err)
		}
		in := &instance{
			mod: m,
			cfg: mc,
			dev: d.dev,
			trig: trigger.ExternalTrigger{
				Divisor:    mc.Trigger.Divisor,
				DirectMode: mc.Trigger.DirectMode,
				Prio:       mc.Trigger.Prio,
				Affinity:   mc.Trigger.Affinity.Mask(),
				ClockID:    trigger.ClockID(mc.Trigger.ClockID),
			},
		}
		k.modules = append(k.modules, in)
		k.byMod[mc.Name] = in
	}
	return nil
}

// Start brings the kernel up.  On failure everything already started is
// stopped again and the kernel cannot be restarted.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started || k.stopped {
		return ErrStarted
	}
	k.started = true

	if err := k.log.Start(); err != nil {
		return k.abort(fmt.Errorf("log thread: %w", err))
	}
	for _, in := range k.modules {
		if err := in.dev.AddModule(in.mod, in.trig); err != nil {
			return k.abort(fmt.Errorf("module %s: %w", in.cfg.Name, err))
		}
		k.attached++
	}
	for _, d := range k.devices {
		if d.clock == nil {
			continue
		}
		if err := d.clock.Start(); err != nil {
			return k.abort(fmt.Errorf("device %s clock: %w", d.dev.Name(), err))
		}
	}
	k.log.Infof("kernel", "started: %d devices, %d modules", len(k.devices), len(k.modules))
	return nil
}

func (k *Kernel) abort(err error) error {
	k.log.Errorf("kernel", "start failed: %v", err)
	k.shutdown()
	return err
}

// Stop shuts everything down.  It is safe to call more than once.
func (k *Kernel) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return nil
	}
	return k.shutdown()
}

func (k *Kernel) shutdown() error {
	k.stopped = true
	for _, d := range k.devices {
		if d.clock != nil {
			d.clock.Stop()
		}
	}
	for i := k.attached - 1; i >= 0; i-- {
		in := k.modules[i]
		if err := in.dev.RemoveModule(in.mod, in.trig); err != nil {
			k.log.Warnf("kernel", "detach %s: %v", in.cfg.Name, err)
		}
	}
	k.attached = 0
	for _, d := range k.devices {
		d.dev.Close()
	}
	k.closeModules()
	if k.started {
		k.log.Infof("kernel", "stopped")
	}
	return k.log.Close()
}

func (k *Kernel) closeModules() {
	for i := len(k.modules) - 1; i >= 0; i-- {
		c, ok := k.modules[i].mod.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			k.log.Warnf("kernel", "close %s: %v", k.modules[i].cfg.Name, err)
		}
	}
}

// Trigger ticks an externally driven device.
func (k *Kernel) Trigger(name string, clk trigger.ClockID) error {
	d, ok := k.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchDevice, name)
	}
	d.dev.Trigger(clk)
	return nil
}

// Module returns the instance built for name.
func (k *Kernel) Module(name string) (worker.Module, bool) {
	in, ok := k.byMod[name]
	if !ok {
		return nil, false
	}
	return in.mod, true
}

// Device returns the trigger device called name.
func (k *Kernel) Device(name string) (*trigger.Device, bool) {
	d, ok := k.byName[name]
	if !ok {
		return nil, false
	}
	return d.dev, true
}

func (k *Kernel) Logger() *klog.Logger { return k.log }

func (k *Kernel) Metrics() *metrics.Metrics { return k.metrics }

// ───────────────────────────── stats ─────────────────────────────

type DeviceStats struct {
	Name      string              `json:"name"`
	Rate      float64             `json:"rate"`
	Generated bool                `json:"generated,omitempty"`
	Clock     *trigger.ClockStats `json:"clock,omitempty"`
	Workers   []worker.Stats      `json:"workers"`
}

type ModuleStats struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Device  string `json:"device"`
	Direct  bool   `json:"direct"`
	Divisor int    `json:"divisor"`
}

type Stats struct {
	Devices    []DeviceStats `json:"devices"`
	Modules    []ModuleStats `json:"modules"`
	LogDropped uint64        `json:"log_dropped"`
}

// Stats snapshots devices, workers and modules.
func (k *Kernel) Stats() Stats {
	s := Stats{LogDropped: k.log.Dropped()}
	for _, d := range k.devices {
		ds := DeviceStats{
			Name:      d.dev.Name(),
			Rate:      d.dev.Rate(),
			Generated: d.generated,
			Workers:   d.dev.Workers(),
		}
		if d.clock != nil {
			cs := d.clock.Stats()
			ds.Clock = &cs
		}
		s.Devices = append(s.Devices, ds)
	}
	for _, in := range k.modules {
		s.Modules = append(s.Modules, ModuleStats{
			Name:    in.cfg.Name,
			Kind:    in.cfg.Kind,
			Device:  in.dev.Name(),
			Direct:  in.trig.DirectMode,
			Divisor: in.trig.Divisor,
		})
	}
	return s
}

// StatsJSON is Stats encoded as JSON.
func (k *Kernel) StatsJSON() ([]byte, error) {
	return sonnet.Marshal(k.Stats())
}

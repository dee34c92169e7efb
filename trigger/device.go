// ════════════════════════════════════════════════════════════════════════════════════════════════
// Trigger Device
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Module Attachment and Worker Grouping
//
// Description:
//   A Device is a named timing source.  Modules attach to it in one of two ways:
//
//     direct mode   the module step runs inside the dispatch scan, on the thread that called
//                   Trigger
//     worker mode   the module joins a kernel worker; modules asking for the same priority,
//                   affinity, divisor and clock share one worker thread
//
//   A worker is created and started on first use and retired when its last module leaves.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package trigger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"rtkernel/metrics"
	"rtkernel/rtthread"
	"rtkernel/worker"
)

var (
	ErrRateFixed = errors.New("trigger: changing the rate of this device is not permitted")
	ErrClosed    = errors.New("trigger: device closed")
)

// ExternalTrigger is how a module asks to be driven by a device.
type ExternalTrigger struct {
	Divisor    int
	DirectMode bool
	Prio       int
	Affinity   rtthread.CPUMask
	ClockID    ClockID
}

type workerKey struct {
	prio     int
	affinity rtthread.CPUMask
	divisor  int
	clk      ClockID
}

// direct is the handle of a module registered in direct mode.
type direct struct {
	dev *Device
	mod worker.Module
	lim *rate.Limiter // failure log budget
}

// Device drives attached modules from its dispatcher.
type Device struct {
	*Dispatcher

	name    string
	rate    float64
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	workers map[workerKey]*worker.Worker
	directs []*direct
	closed  bool
}

// NewDevice creates a device ticking at rate Hz (0 for an externally driven
// device).
func NewDevice(name string, rate float64, log *slog.Logger, m *metrics.Metrics) *Device {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("device", name)
	return &Device{
		Dispatcher: NewDispatcher(log),
		name:       name,
		rate:       rate,
		log:        log,
		metrics:    m,
		workers:    make(map[workerKey]*worker.Worker),
	}
}

func (d *Device) Name() string { return d.name }

func (d *Device) Rate() float64 { return d.rate }

// SetRate always fails: the rate of a device is fixed at construction.
func (d *Device) SetRate(float64) error { return ErrRateFixed }

// Trigger delivers one tick of clk to every attached module and worker.
func (d *Device) Trigger(clk ClockID) {
	d.metrics.TriggerDispatch(d.name)
	d.Dispatcher.Trigger(clk)
}

// AddModule attaches m according to t.
func (d *Device) AddModule(m worker.Module, t ExternalTrigger) error {
	if t.Divisor < 1 {
		return fmt.Errorf("%w: module %s: got %d", ErrInvalidDivisor, m.Name(), t.Divisor)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	if t.DirectMode {
		h := &direct{dev: d, mod: m, lim: worker.NewFailureLimiter()}
		if err := d.AddTrigger(runDirect, h, t.ClockID, t.Divisor); err != nil {
			return err
		}
		d.directs = append(d.directs, h)
		d.log.Info("module attached", "module", m.Name(), "mode", "direct", "divisor", t.Divisor)
		return nil
	}

	key := workerKey{prio: t.Prio, affinity: t.Affinity, divisor: t.Divisor, clk: t.ClockID}
	w, ok := d.workers[key]
	if !ok {
		var err error
		if w, err = d.spawnWorker(key); err != nil {
			return err
		}
	}
	w.AddModule(m)
	d.log.Info("module attached", "module", m.Name(), "mode", "worker", "worker", w.ID())
	return nil
}

func (d *Device) spawnWorker(key workerKey) (*worker.Worker, error) {
	id := fmt.Sprintf("%s/p%d/a%s/d%d/c%d", d.name, key.prio, key.affinity, key.divisor, key.clk)
	w, err := worker.New(worker.Config{
		ID:      id,
		Attr:    rtthread.AttrFromPrio("", key.prio, key.affinity),
		Divisor: key.divisor,
	}, d.log, d.metrics)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, err
	}
	// the worker divides; the dispatcher forwards every tick of the clock
	if err := d.AddTrigger(triggerWorker, w, key.clk, 1); err != nil {
		w.Stop()
		return nil, err
	}
	d.workers[key] = w
	return w, nil
}

// RemoveModule detaches m; t must match the trigger it was attached with.
func (d *Device) RemoveModule(m worker.Module, t ExternalTrigger) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t.DirectMode {
		for i, h := range d.directs {
			if sameHandle(h.mod, m) {
				if err := d.RemoveTrigger(runDirect, h); err != nil {
					return err
				}
				d.directs = append(d.directs[:i], d.directs[i+1:]...)
				d.log.Info("module detached", "module", m.Name(), "mode", "direct")
				return nil
			}
		}
		return fmt.Errorf("%w: module %s", ErrNotRegistered, m.Name())
	}

	key := workerKey{prio: t.Prio, affinity: t.Affinity, divisor: t.Divisor, clk: t.ClockID}
	w, ok := d.workers[key]
	if !ok {
		return fmt.Errorf("%w: module %s", ErrNotRegistered, m.Name())
	}
	if w.RemoveModule(m) {
		d.retire(key, w)
	}
	d.log.Info("module detached", "module", m.Name(), "mode", "worker", "worker", w.ID())
	return nil
}

func (d *Device) retire(key workerKey, w *worker.Worker) {
	_ = d.RemoveTrigger(triggerWorker, w)
	w.Stop()
	delete(d.workers, key)
	d.log.Debug("worker retired", "worker", w.ID())
}

// Workers returns the stats of every live worker, ordered by id.
func (d *Device) Workers() []worker.Stats {
	d.mu.Lock()
	out := make([]worker.Stats, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w.Stats())
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close detaches every module and stops every worker.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, w := range d.workers {
		d.retire(key, w)
	}
	for _, h := range d.directs {
		_ = d.RemoveTrigger(runDirect, h)
	}
	d.directs = nil
	d.closed = true
}

func triggerWorker(h any) {
	h.(*worker.Worker).Trigger()
}

func runDirect(h any) {
	dm := h.(*direct)
	res := worker.Step(dm.mod)
	dm.dev.metrics.ModuleStep(res.Module, res.Duration, res.Failed())
	if res.Failed() && dm.lim.Allow() {
		dm.dev.log.Error("module step failed", "module", res.Module, "err", res.Err)
	}
}

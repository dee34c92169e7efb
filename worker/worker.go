// ════════════════════════════════════════════════════════════════════════════════════════════════
// Kernel Worker
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Cyclic Module Scheduler on a Real-time Thread
//
// Description:
//   A Worker owns one real-time thread and an ordered list of modules.  Each Trigger delivers
//   one wake; every divisor-th wake executes the whole module list in registration order.
//   Wakes are counted under the worker mutex, so a trigger that lands while the modules are
//   still executing is not lost (it is served on the next iteration and reported as an
//   overrun).
//
// Locking:
//   - mu guards the module list, the wake/divisor counters and the executing flag
//   - modules run outside mu on a private snapshot of the list; AddModule and RemoveModule
//     never wait for a cycle to finish
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package worker

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"rtkernel/metrics"
	"rtkernel/rtthread"
)

// Config describes one worker thread.
type Config struct {
	// ID labels the worker in logs and metrics; defaults to "kernel_worker".
	ID      string
	Attr    rtthread.Attr
	Divisor int
}

// Stats is a point-in-time view of a worker's counters.
type Stats struct {
	ID           string   `json:"id"`
	Thread       string   `json:"thread"`
	Divisor      int      `json:"divisor"`
	Modules      []string `json:"modules"`
	Wakes        uint64   `json:"wakes"`
	Cycles       uint64   `json:"cycles"`
	Overruns     uint64   `json:"overruns"`
	StepFailures uint64   `json:"step_failures"`
}

// Worker runs a module list once per divisor triggers.
type Worker struct {
	id      string
	thread  *rtthread.Thread
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	cond      *sync.Cond
	modules   []Module
	divisor   int
	cnt       int // wakes since the last execution, in [0, divisor)
	pending   int // triggers not yet consumed by the body
	executing bool

	wakes, cycles, overruns, failures uint64
	limiters                          map[string]*rate.Limiter

	snap []Module // worker thread only
}

// New creates an idle worker.  The thread attributes and the divisor are
// validated here.
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) (*Worker, error) {
	if cfg.Divisor < 1 {
		return nil, fmt.Errorf("%w: divisor %d < 1", rtthread.ErrInvalidConfiguration, cfg.Divisor)
	}
	if cfg.ID == "" {
		cfg.ID = "kernel_worker"
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("worker", cfg.ID)

	w := &Worker{
		id:       cfg.ID,
		log:      log,
		metrics:  m,
		divisor:  cfg.Divisor,
		limiters: make(map[string]*rate.Limiter),
	}
	w.cond = sync.NewCond(&w.mu)

	attr := cfg.Attr
	if attr.Name == "" {
		attr.Name = threadName(nil)
	}
	th, err := rtthread.New(attr, w, log)
	if err != nil {
		return nil, err
	}
	w.thread = th
	return w, nil
}

// ID returns the label given at construction.
func (w *Worker) ID() string { return w.id }

// Thread exposes the underlying real-time thread.
func (w *Worker) Thread() *rtthread.Thread { return w.thread }

// Start launches the worker thread.  Counters left over from a previous run
// are cleared, so the first cycle needs a fresh trigger.
func (w *Worker) Start() error {
	w.mu.Lock()
	w.pending, w.cnt = 0, 0
	w.mu.Unlock()
	return w.thread.Start()
}

// Stop ends the worker thread and waits for the current cycle to finish.
func (w *Worker) Stop() { w.thread.Stop() }

// Trigger delivers one wake; it is ignored while the thread is not running.
// Safe from any goroutine, never blocks on module execution.
func (w *Worker) Trigger() {
	if !w.thread.Running() {
		return
	}
	w.mu.Lock()
	w.pending++
	overrun := w.executing
	if overrun {
		w.overruns++
	}
	w.cond.Signal()
	w.mu.Unlock()

	if overrun {
		w.metrics.WorkerOverrun(w.id)
	}
}

// Wake releases a body suspended on the condition variable; the thread
// calls it on Stop.
func (w *Worker) Wake() {
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Run is one iteration of the worker thread: wait for a wake, apply the
// divisor, execute the modules.
func (w *Worker) Run(t *rtthread.Thread) {
	w.mu.Lock()
	for w.pending == 0 && t.Running() {
		w.cond.Wait()
	}
	if !t.Running() {
		w.mu.Unlock()
		return
	}
	w.pending--
	w.wakes++
	if w.cnt++; w.cnt < w.divisor {
		w.mu.Unlock()
		return
	}
	w.cnt = 0
	w.snap = append(w.snap[:0], w.modules...)
	w.executing = true
	w.mu.Unlock()

	var failed uint64
	for _, m := range w.snap {
		res := Step(m)
		w.metrics.ModuleStep(res.Module, res.Duration, res.Failed())
		if res.Failed() {
			failed++
			w.report(res)
		}
	}
	clear(w.snap)

	w.mu.Lock()
	w.executing = false
	w.cycles++
	w.failures += failed
	w.mu.Unlock()

	w.metrics.WorkerCycle(w.id)
}

// report logs a failed step, at most a handful of times per second per
// module.
func (w *Worker) report(res StepResult) {
	w.mu.Lock()
	lim, ok := w.limiters[res.Module]
	if !ok {
		lim = NewFailureLimiter()
		w.limiters[res.Module] = lim
	}
	w.mu.Unlock()

	if !lim.Allow() {
		return
	}
	if res.Panic != nil {
		w.log.Error("module step panicked", "module", res.Module, "panic", res.Panic)
		return
	}
	w.log.Error("module step failed", "module", res.Module, "err", res.Err)
}

// AddModule appends m to the module list.
func (w *Worker) AddModule(m Module) {
	w.mu.Lock()
	w.modules = append(w.modules, m)
	name := threadName(w.modules)
	w.mu.Unlock()

	w.thread.SetName(name)
	w.log.Debug("module added", "module", m.Name())
}

// RemoveModule removes the first occurrence of m and reports whether the
// list is now empty, so the owner can retire the worker.
func (w *Worker) RemoveModule(m Module) (empty bool) {
	w.mu.Lock()
	for i, have := range w.modules {
		if sameModule(have, m) {
			w.modules = append(w.modules[:i], w.modules[i+1:]...)
			delete(w.limiters, have.Name())
			break
		}
	}
	empty = len(w.modules) == 0
	name := threadName(w.modules)
	w.mu.Unlock()

	w.thread.SetName(name)
	return empty
}

// Modules returns a copy of the module list.
func (w *Worker) Modules() []Module {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Module(nil), w.modules...)
}

// Divisor returns the rate divisor.
func (w *Worker) Divisor() int { return w.divisor }

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	names := make([]string, len(w.modules))
	for i, m := range w.modules {
		names[i] = m.Name()
	}
	return Stats{
		ID:           w.id,
		Thread:       w.thread.Name(),
		Divisor:      w.divisor,
		Modules:      names,
		Wakes:        w.wakes,
		Cycles:       w.cycles,
		Overruns:     w.overruns,
		StepFailures: w.failures,
	}
}

func threadName(mods []Module) string {
	var b strings.Builder
	b.WriteString("rk:kernel_worker")
	for _, m := range mods {
		b.WriteByte(' ')
		b.WriteString(m.Name())
	}
	return b.String()
}

// sameModule compares by identity; modules of non-comparable dynamic type
// never match.
func sameModule(a, b Module) bool {
	if a == nil || b == nil {
		return false
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) || !reflect.TypeOf(a).Comparable() {
		return false
	}
	return a == b
}

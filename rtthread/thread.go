// ════════════════════════════════════════════════════════════════════════════════════════════════
// Real-time Thread
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Dedicated OS Thread with Scheduling Attributes
//
// Description:
//   A Thread owns one goroutine that is locked to its OS thread for its whole life.  Affinity,
//   policy and priority are applied on that OS thread before the cyclic body runs for the first
//   time; Start only returns once they are in place (or failed).  The body is invoked again and
//   again while the running flag is set.
//
// Lifecycle:
//   - Start: idle -> running, reports ErrThreadLifecycle when attributes cannot be applied
//   - Stop:  clears the flag, wakes a suspended body, joins (unless called from the body)
//   - the goroutine exits still locked, so the runtime discards the OS thread and the modified
//     scheduling attributes never leak into the goroutine pool
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package rtthread

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// Runner supplies the cyclic body.  Run is called repeatedly while the thread
// is running; it should return at its next suspension point once Running
// reports false.
type Runner interface {
	Run(t *Thread)
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(t *Thread)

func (f RunnerFunc) Run(t *Thread) { f(t) }

// Waker is implemented by runners that suspend inside Run (condition
// variable, timer).  Stop calls Wake after clearing the running flag.
type Waker interface {
	Wake()
}

// Thread is a real-time execution context.  The zero value is not usable;
// create one with New.  A Thread must not be copied.
type Thread struct {
	mu     sync.Mutex
	attr   Attr
	runner Runner
	log    *slog.Logger

	running atomic.Bool
	tid     atomic.Int64
	done    chan struct{} // closed when the goroutine has exited
}

// New validates attr and binds runner to a new, idle thread.
func New(attr Attr, runner Runner, log *slog.Logger) (*Thread, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: nil runner", ErrInvalidConfiguration)
	}
	if err := attr.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Thread{attr: attr, runner: runner, log: log}, nil
}

// Attr returns the attributes currently configured.
func (t *Thread) Attr() Attr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attr
}

// Name returns the configured thread name.
func (t *Thread) Name() string {
	return t.Attr().Name
}

// Running reports whether the body should keep going.
func (t *Thread) Running() bool {
	return t.running.Load()
}

// TID returns the OS thread id of the last started execution context, or 0.
func (t *Thread) TID() int {
	return int(t.tid.Load())
}

// Done is closed when the execution context has terminated.  It is nil
// before the first Start.
func (t *Thread) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Start spawns the execution context and waits until the scheduling
// attributes are applied.
func (t *Thread) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done != nil {
		select {
		case <-t.done:
		default:
			return ErrAlreadyRunning
		}
	}

	ready := make(chan error, 1)
	done := make(chan struct{})
	t.done = done
	t.tid.Store(0)
	t.running.Store(true)

	go t.loop(t.attr, ready, done)

	if err := <-ready; err != nil {
		t.running.Store(false)
		<-done
		t.log.Error("thread start failed", "thread", t.attr.Name, "err", err)
		return fmt.Errorf("%w: %s: %w", ErrThreadLifecycle, t.attr.Name, err)
	}
	t.log.Debug("thread started",
		"thread", t.attr.Name,
		"tid", t.tid.Load(),
		"policy", t.attr.Policy,
		"prio", t.attr.Prio,
		"affinity", t.attr.Affinity)
	return nil
}

func (t *Thread) loop(attr Attr, ready chan<- error, done chan<- struct{}) {
	defer close(done)

	// never unlocked: the OS thread dies with this goroutine
	runtime.LockOSThread()
	t.tid.Store(int64(currentTID()))

	if err := apply(0, attr, false); err != nil {
		ready <- err
		return
	}
	setName(attr.Name)
	ready <- nil

	for t.running.Load() {
		t.runner.Run(t)
	}
}

// Stop ends the thread and waits for it.  It is idempotent and may be called
// from any goroutine, including the body itself, in which case the loop ends
// after the current iteration and Stop returns without joining.
func (t *Thread) Stop() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done == nil {
		return
	}

	t.running.Store(false)
	if w, ok := t.runner.(Waker); ok {
		w.Wake()
	}

	if tid := t.tid.Load(); tid != 0 && int(tid) == currentTID() {
		return
	}
	<-done
}

// Configure replaces policy, priority and affinity.  Invalid values are
// rejected without touching the current attributes.  On a running thread
// the new attributes are applied to the live OS thread; an affinity of 0
// leaves the current pinning in place.
func (t *Thread) Configure(policy Policy, prio int, affinity CPUMask) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.attr
	a.Policy, a.Prio, a.Affinity = policy, prio, affinity
	if err := a.Validate(); err != nil {
		return err
	}
	if t.running.Load() {
		if tid := int(t.tid.Load()); tid != 0 {
			if err := apply(tid, a, true); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrThreadLifecycle, a.Name, err)
			}
		}
	}
	t.attr = a
	return nil
}

// SetName renames the thread.  A running thread is renamed in place.
func (t *Thread) SetName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attr.Name = name
	if !t.running.Load() {
		return
	}
	if tid := int(t.tid.Load()); tid != 0 {
		if err := setNameOf(tid, name); err != nil {
			t.log.Warn("cannot rename thread", "thread", name, "tid", tid, "err", err)
		}
	}
}

// apply pushes a onto tid (0 = calling thread).  At start-up the default
// time-sharing class is left alone; a live reconfiguration always applies
// it so that a thread can be moved back from a real-time class.
func apply(tid int, a Attr, live bool) error {
	if err := applyAffinity(tid, a.Affinity); err != nil {
		return err
	}
	if !live && a.Policy == PolicyNormal && a.Prio == 0 {
		return nil
	}
	return applyPolicy(tid, a.Policy, a.Prio)
}

// step.go
//
// Fault boundary around a single module step.  Errors and panics raised by
// a module are captured in a StepResult instead of unwinding the worker
// thread, so one failing module costs only its own tick.

package worker

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrModulePanic wraps the value recovered from a panicking step.
var ErrModulePanic = errors.New("worker: module step panicked")

// Module is one unit of cyclic control logic.
type Module interface {
	Name() string
	Tick() error
}

// StepResult records the outcome of one module step.
type StepResult struct {
	Module   string
	Err      error // nil on success; wraps ErrModulePanic after a panic
	Panic    any   // recovered value, if any
	Duration time.Duration
}

// Failed reports whether the step returned an error or panicked.
func (r StepResult) Failed() bool { return r.Err != nil }

// Step runs m.Tick inside the fault boundary.
func Step(m Module) (res StepResult) {
	res.Module = m.Name()
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Panic = p
			res.Err = fmt.Errorf("%w: %v", ErrModulePanic, p)
		}
		res.Duration = time.Since(start)
	}()
	res.Err = m.Tick()
	return res
}

// NewFailureLimiter bounds how often failures of one module are logged: a
// burst of five, then one per second.
func NewFailureLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Second), 5)
}

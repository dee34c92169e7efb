// control.go: shutdown coordination for the kernel process
// ============================================================================
// SYSTEM CONTROL ORCHESTRATION
// ============================================================================
//
// A Control object carries the stop flag and the set of goroutines that must
// finish before the process exits.  It is an instance rather than package
// state so several kernels (tests) can shut down independently.
//
// Threading model:
//   • signal handling calls Shutdown once
//   • long-running goroutines are launched through Go and watch Done
//   • main calls Wait after Shutdown to join them

package control

import (
	"sync"
	"sync/atomic"
)

// ============================================================================
// SHUTDOWN COORDINATION
// ============================================================================

// Control coordinates a graceful stop.  The zero value is not usable; use New.
type Control struct {
	stop atomic.Bool
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func New() *Control {
	return &Control{done: make(chan struct{})}
}

// Shutdown sets the stop flag and closes Done.  Safe to call repeatedly.
func (c *Control) Shutdown() {
	c.once.Do(func() {
		c.stop.Store(true)
		close(c.done)
	})
}

// Stopping reports whether Shutdown has been called.
func (c *Control) Stopping() bool {
	return c.stop.Load()
}

// Done is closed by Shutdown.
func (c *Control) Done() <-chan struct{} {
	return c.done
}

// Go runs fn in a tracked goroutine.
func (c *Control) Go(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Wait blocks until every goroutine started with Go has returned.
func (c *Control) Wait() {
	c.wg.Wait()
}

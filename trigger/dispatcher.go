// ════════════════════════════════════════════════════════════════════════════════════════════════
// Trigger Dispatcher
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Rate-divided Fan-out of a Timing Source
//
// Description:
//   Registry of (callback, handle, clock, divisor) entries.  Each Trigger call walks the entries
//   in registration order, advances the counter of every entry whose clock matches and invokes
//   the callback when the counter wraps to zero.
//
// Reentrancy:
//   The scan runs with the registry lock held and callbacks are invoked under it.  A callback
//   that calls AddTrigger or RemoveTrigger on the same dispatcher deadlocks.  TryAddTrigger and
//   TryRemoveTrigger return ErrBusy instead of blocking and are the only registration calls
//   allowed from inside a callback.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package trigger

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"rtkernel/rtthread"
)

// ClockID selects which timing source an entry listens to.
type ClockID int

// AnyClock as a Trigger argument matches every entry; as an entry clock it
// matches every tick.
const AnyClock ClockID = -1

// Callback is invoked with the handle it was registered with.
type Callback func(handle any)

var (
	ErrNilCallback   = errors.New("trigger: nil callback")
	ErrNotRegistered = errors.New("trigger: callback/handle pair not registered")
	ErrBusy          = errors.New("trigger: dispatcher busy")

	// ErrInvalidDivisor is a configuration error.
	ErrInvalidDivisor = fmt.Errorf("%w: trigger divisor must be >= 1", rtthread.ErrInvalidConfiguration)
)

type entry struct {
	cb      Callback
	pc      uintptr
	handle  any
	clk     ClockID
	divisor int
	cnt     int
}

func (e *entry) matches(pc uintptr, handle any) bool {
	return e.pc == pc && sameHandle(e.handle, handle)
}

// Dispatcher fans ticks out to registered callbacks.  The zero value is
// ready to use and logs nothing.
type Dispatcher struct {
	mu      sync.Mutex
	entries []*entry
	log     *slog.Logger
}

// NewDispatcher returns a dispatcher that reports registration errors to log.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// AddTrigger appends an entry.  Registering the same pair twice yields two
// invocations per matching tick.
func (d *Dispatcher) AddTrigger(cb Callback, handle any, clk ClockID, divisor int) error {
	if err := d.checkAdd(cb, divisor); err != nil {
		return err
	}
	d.mu.Lock()
	d.addLocked(cb, handle, clk, divisor)
	d.mu.Unlock()
	return nil
}

// TryAddTrigger is AddTrigger that fails with ErrBusy instead of waiting
// for the registry lock.
func (d *Dispatcher) TryAddTrigger(cb Callback, handle any, clk ClockID, divisor int) error {
	if err := d.checkAdd(cb, divisor); err != nil {
		return err
	}
	if !d.mu.TryLock() {
		return ErrBusy
	}
	d.addLocked(cb, handle, clk, divisor)
	d.mu.Unlock()
	return nil
}

// RemoveTrigger removes the first entry registered with the same callback
// and handle.
func (d *Dispatcher) RemoveTrigger(cb Callback, handle any) error {
	if cb == nil {
		d.warn("remove_trigger", ErrNilCallback)
		return ErrNilCallback
	}
	d.mu.Lock()
	err := d.removeLocked(cb, handle)
	d.mu.Unlock()
	if err != nil {
		d.warn("remove_trigger", err)
	}
	return err
}

// TryRemoveTrigger is RemoveTrigger that fails with ErrBusy instead of
// waiting for the registry lock.
func (d *Dispatcher) TryRemoveTrigger(cb Callback, handle any) error {
	if cb == nil {
		return ErrNilCallback
	}
	if !d.mu.TryLock() {
		return ErrBusy
	}
	err := d.removeLocked(cb, handle)
	d.mu.Unlock()
	return err
}

// Trigger delivers one tick of clock clk.
func (d *Dispatcher) Trigger(clk ClockID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.entries {
		if clk != AnyClock && e.clk != AnyClock && e.clk != clk {
			continue
		}
		if e.cnt++; e.cnt < e.divisor {
			continue
		}
		e.cnt = 0
		e.cb(e.handle)
	}
}

// Len returns the number of registered entries.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Dispatcher) checkAdd(cb Callback, divisor int) error {
	if cb == nil {
		d.warn("add_trigger", ErrNilCallback)
		return ErrNilCallback
	}
	if divisor < 1 {
		err := fmt.Errorf("%w: got %d", ErrInvalidDivisor, divisor)
		d.warn("add_trigger", err)
		return err
	}
	return nil
}

func (d *Dispatcher) addLocked(cb Callback, handle any, clk ClockID, divisor int) {
	d.entries = append(d.entries, &entry{
		cb:      cb,
		pc:      codePointer(cb),
		handle:  handle,
		clk:     clk,
		divisor: divisor,
	})
}

func (d *Dispatcher) removeLocked(cb Callback, handle any) error {
	pc := codePointer(cb)
	for i, e := range d.entries {
		if e.matches(pc, handle) {
			copy(d.entries[i:], d.entries[i+1:])
			d.entries[len(d.entries)-1] = nil
			d.entries = d.entries[:len(d.entries)-1]
			return nil
		}
	}
	return ErrNotRegistered
}

func (d *Dispatcher) warn(op string, err error) {
	if d.log != nil {
		d.log.Warn("trigger registration rejected", "op", op, "err", err)
	}
}

// codePointer identifies a callback by its code.  Two closures built from
// the same function literal share it; the handle tells them apart.
func codePointer(cb Callback) uintptr {
	return reflect.ValueOf(cb).Pointer()
}

func sameHandle(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

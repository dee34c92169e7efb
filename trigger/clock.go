// ════════════════════════════════════════════════════════════════════════════════════════════════
// Trigger Clock
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Periodic Timing Source on a Real-time Thread
//
// Description:
//   Ticks a target at a fixed period.  Deadlines are absolute (start + n·period) so jitter in
//   one cycle does not shift the following ones.  The thread sleeps until shortly before the
//   deadline and spins the rest of the way with cpuRelax.  A cycle that starts after one or
//   more deadlines have already passed counts them as missed and jumps to the next future
//   deadline instead of firing a burst of late ticks.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package trigger

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"rtkernel/rtthread"
)

// Target receives clock ticks; *Device and *Dispatcher both qualify.
type Target interface {
	Trigger(clk ClockID)
}

// ClockConfig describes a clock thread.
type ClockConfig struct {
	Attr    rtthread.Attr
	Period  time.Duration
	ClockID ClockID
	// Spin is the busy-wait window before each deadline; 0 sleeps all the way.
	Spin time.Duration
}

// ClockStats reports ticks delivered and deadlines skipped.
type ClockStats struct {
	Ticks  uint64 `json:"ticks"`
	Missed uint64 `json:"missed"`
}

// Clock drives a Target from its own thread.
type Clock struct {
	cfg    ClockConfig
	target Target
	thread *rtthread.Thread
	log    *slog.Logger

	wake  chan struct{}
	timer *time.Timer
	next  time.Time // thread only

	ticks  atomic.Uint64
	missed atomic.Uint64
}

// NewClock validates cfg and prepares an idle clock.
func NewClock(cfg ClockConfig, target Target, log *slog.Logger) (*Clock, error) {
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("%w: clock period %s", rtthread.ErrInvalidConfiguration, cfg.Period)
	}
	if cfg.Spin < 0 || cfg.Spin >= cfg.Period {
		return nil, fmt.Errorf("%w: spin window %s for period %s", rtthread.ErrInvalidConfiguration, cfg.Spin, cfg.Period)
	}
	if cfg.Attr.Name == "" {
		cfg.Attr.Name = "rk:clock"
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := &Clock{
		cfg:    cfg,
		target: target,
		log:    log,
		wake:   make(chan struct{}, 1),
	}
	th, err := rtthread.New(cfg.Attr, c, log)
	if err != nil {
		return nil, err
	}
	c.thread = th
	return c, nil
}

// PeriodFromRate converts a frequency in Hz to a tick period.
func PeriodFromRate(hz float64) time.Duration {
	if hz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / hz)
}

func (c *Clock) Start() error {
	c.next = time.Time{}
	select {
	case <-c.wake:
	default:
	}
	return c.thread.Start()
}

func (c *Clock) Stop() { c.thread.Stop() }

func (c *Clock) Stats() ClockStats {
	return ClockStats{Ticks: c.ticks.Load(), Missed: c.missed.Load()}
}

// Wake interrupts the sleep so Stop does not wait out a full period.
func (c *Clock) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run waits for the next deadline and ticks the target once.
func (c *Clock) Run(t *rtthread.Thread) {
	now := time.Now()
	if c.next.IsZero() {
		c.next = now.Add(c.cfg.Period)
	}

	if d := c.next.Sub(now) - c.cfg.Spin; d > 0 {
		if c.timer == nil {
			c.timer = time.NewTimer(d)
		} else {
			c.timer.Reset(d)
		}
		select {
		case <-c.timer.C:
		case <-c.wake:
			c.timer.Stop()
			return
		}
	}
	for time.Now().Before(c.next) {
		if !t.Running() {
			return
		}
		cpuRelax()
	}
	if !t.Running() {
		return
	}

	c.target.Trigger(c.cfg.ClockID)
	c.ticks.Add(1)

	c.next = c.next.Add(c.cfg.Period)
	if late := time.Since(c.next); late >= 0 {
		n := uint64(late/c.cfg.Period) + 1
		c.missed.Add(n)
		c.next = c.next.Add(time.Duration(n) * c.cfg.Period)
		c.log.Debug("clock missed deadlines", "clock", c.cfg.Attr.Name, "missed", n)
	}
}

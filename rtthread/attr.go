// ════════════════════════════════════════════════════════════════════════════════════════════════
// Real-time Thread Attributes
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Scheduling Policy, Priority and CPU Affinity
//
// Description:
//   Attributes are validated when they are handed to a thread (construction or Configure), never
//   silently clamped.  Applying them to the OS thread happens later on the thread itself, and a
//   failure there is reported from Start.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package rtthread

import (
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"strconv"
	"strings"
)

var (
	// ErrInvalidConfiguration marks attributes rejected at configuration time.
	ErrInvalidConfiguration = errors.New("rtthread: invalid configuration")

	// ErrAlreadyRunning is returned by Start on a thread that is running.
	ErrAlreadyRunning = errors.New("rtthread: already running")

	// ErrThreadLifecycle marks a failure to apply scheduling attributes to the
	// OS thread (missing privilege, CPU not permitted, unsupported platform).
	ErrThreadLifecycle = errors.New("rtthread: cannot apply scheduling attributes")
)

// Policy selects the OS scheduling class.
type Policy int

const (
	PolicyNormal Policy = iota // time-sharing (SCHED_OTHER)
	PolicyFIFO                 // SCHED_FIFO
	PolicyRR                   // SCHED_RR
)

// Priority bounds for the real-time classes.
const (
	MinRTPrio = 1
	MaxRTPrio = 99
)

func (p Policy) String() string {
	switch p {
	case PolicyNormal:
		return "normal"
	case PolicyFIFO:
		return "fifo"
	case PolicyRR:
		return "rr"
	}
	return "policy(" + strconv.Itoa(int(p)) + ")"
}

// ParsePolicy accepts "normal"/"other", "fifo" and "rr"/"round-robin".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "other":
		return PolicyNormal, nil
	case "fifo":
		return PolicyFIFO, nil
	case "rr", "round-robin":
		return PolicyRR, nil
	}
	return 0, fmt.Errorf("%w: unknown policy %q", ErrInvalidConfiguration, s)
}

// PrioRange returns the inclusive priority range accepted for p.
func PrioRange(p Policy) (lo, hi int) {
	if p == PolicyFIFO || p == PolicyRR {
		return MinRTPrio, MaxRTPrio
	}
	return 0, 0
}

// CPUMask is a bitset of permissible CPUs; bit n allows CPU n.  Zero means
// "do not pin".
type CPUMask uint64

// MaskOf builds a mask from CPU indices.
func MaskOf(cpus ...int) (CPUMask, error) {
	var m CPUMask
	for _, c := range cpus {
		if c < 0 || c >= 64 {
			return 0, fmt.Errorf("%w: cpu %d out of range [0,63]", ErrInvalidConfiguration, c)
		}
		m |= 1 << uint(c)
	}
	return m, nil
}

// CPUs lists the CPU indices set in m, lowest first.
func (m CPUMask) CPUs() []int {
	out := make([]int, 0, bits.OnesCount64(uint64(m)))
	for v := uint64(m); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros64(v))
	}
	return out
}

func (m CPUMask) String() string {
	return "0x" + strconv.FormatUint(uint64(m), 16)
}

// Attr holds everything applied to a thread before its body runs.
type Attr struct {
	Name     string
	Policy   Policy
	Prio     int
	Affinity CPUMask
}

// AttrFromPrio mirrors the configuration document convention: a non-zero
// priority selects SCHED_FIFO, zero leaves the thread time-shared.
func AttrFromPrio(name string, prio int, affinity CPUMask) Attr {
	a := Attr{Name: name, Prio: prio, Affinity: affinity}
	if prio != 0 {
		a.Policy = PolicyFIFO
	}
	return a
}

// Validate checks a against the policy's priority range and the CPUs this
// process may run on.
func (a Attr) Validate() error {
	switch a.Policy {
	case PolicyNormal, PolicyFIFO, PolicyRR:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, a.Policy)
	}
	if lo, hi := PrioRange(a.Policy); a.Prio < lo || a.Prio > hi {
		return fmt.Errorf("%w: priority %d outside [%d,%d] for policy %s",
			ErrInvalidConfiguration, a.Prio, lo, hi, a.Policy)
	}
	if a.Affinity != 0 && a.Affinity&availableCPUs() == 0 {
		return fmt.Errorf("%w: affinity %s names no available cpu (have %s)",
			ErrInvalidConfiguration, a.Affinity, availableCPUs())
	}
	return nil
}

// fallbackCPUs assumes CPUs 0..NumCPU-1 when the OS cannot be asked.
func fallbackCPUs() CPUMask {
	n := runtime.NumCPU()
	if n >= 64 {
		return ^CPUMask(0)
	}
	return CPUMask(1)<<uint(n) - 1
}

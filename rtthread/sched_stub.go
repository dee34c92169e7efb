//go:build !linux

// ============================================================================
// NON-LINUX SCHEDULING FALLBACK
// ============================================================================
//
// Only the default attributes (normal policy, priority 0, no pinning) can be
// honoured here.  Anything else fails so that Start reports it instead of
// running the body with the wrong policy.
//
// Limitation: there is no portable thread id, so TID is always 0 and a Stop
// issued from the thread's own body cannot be recognised; on these platforms
// the body must return and let another goroutine call Stop.

package rtthread

import (
	"errors"
	"fmt"
	"runtime"
)

var errUnsupported = errors.New("not supported on " + runtime.GOOS)

func applyAffinity(_ int, m CPUMask) error {
	if m == 0 {
		return nil
	}
	return fmt.Errorf("cpu affinity %s: %w", m, errUnsupported)
}

func applyPolicy(_ int, p Policy, prio int) error {
	if p == PolicyNormal && prio == 0 {
		return nil
	}
	return fmt.Errorf("policy %s prio %d: %w", p, prio, errUnsupported)
}

func setName(string) {}

func setNameOf(int, string) error { return nil }

func currentTID() int { return 0 }

func availableCPUs() CPUMask { return fallbackCPUs() }

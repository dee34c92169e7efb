//go:build linux

// sched_linux.go
//
// Linux bindings for the per-thread scheduling knobs:
//
//   • sched_setaffinity(2)  CPU pinning, built from the 64-bit CPUMask
//   • sched_setattr(2)      policy + static priority
//   • prctl(PR_SET_NAME)    thread name on the calling thread,
//                           /proc/self/task/<tid>/comm for another one
//
// Every call takes an explicit tid so the same helpers serve both the
// thread applying its own attributes at start-up and Configure re-applying
// them to a live thread from outside.  Errors are returned, never swallowed:
// a kernel that refuses SCHED_FIFO must make Start fail.

package rtthread

import (
	"fmt"
	"os"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"

	"rtkernel/constants"
)

func (p Policy) kernel() uint32 {
	switch p {
	case PolicyFIFO:
		return unix.SCHED_FIFO
	case PolicyRR:
		return unix.SCHED_RR
	}
	return unix.SCHED_NORMAL
}

// applyAffinity pins tid (0 = calling thread) to the CPUs in m.
func applyAffinity(tid int, m CPUMask) error {
	if m == 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range m.CPUs() {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(tid, &set); err != nil {
		return fmt.Errorf("sched_setaffinity(%s): %w", m, err)
	}
	return nil
}

// applyPolicy sets the scheduling class and static priority of tid.
func applyPolicy(tid int, p Policy, prio int) error {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   p.kernel(),
		Priority: uint32(prio),
	}
	if err := unix.SchedSetAttr(tid, &attr, 0); err != nil {
		return fmt.Errorf("sched_setattr(%s, %d): %w", p, prio, err)
	}
	return nil
}

// setName names the calling thread, truncated to what the kernel keeps.
func setName(name string) {
	if name == "" {
		return
	}
	if len(name) > constants.ThreadNameMax {
		name = name[:constants.ThreadNameMax]
	}
	p, err := unix.BytePtrFromString(name)
	if err != nil {
		return
	}
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(p)), 0, 0, 0)
}

// setNameOf names another thread of this process.
func setNameOf(tid int, name string) error {
	if len(name) > constants.ThreadNameMax {
		name = name[:constants.ThreadNameMax]
	}
	return os.WriteFile("/proc/self/task/"+strconv.Itoa(tid)+"/comm", []byte(name), 0o644)
}

func currentTID() int {
	return unix.Gettid()
}

// availableCPUs returns the CPUs this process may be scheduled on.
func availableCPUs() CPUMask {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return fallbackCPUs()
	}
	var m CPUMask
	for cpu := 0; cpu < 64; cpu++ {
		if set.IsSet(cpu) {
			m |= 1 << uint(cpu)
		}
	}
	return m
}

//go:build arm64 && cgo && !noasm

// relax_arm64.go
//
// YIELD hint for the clock's pre-deadline spin.

package trigger

/*
static inline void cpu_yield() {
    __asm__ __volatile__("yield" ::: "memory");
}
*/
import "C"

//go:nosplit
func cpuRelax() {
	C.cpu_yield()
}

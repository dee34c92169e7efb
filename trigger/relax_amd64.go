//go:build amd64 && cgo && !noasm

// relax_amd64.go
//
// PAUSE hint for the clock's pre-deadline spin.

package trigger

/*
static inline void cpu_pause() {
    __asm__ __volatile__("pause" ::: "memory");
}
*/
import "C"

//go:nosplit
func cpuRelax() {
	C.cpu_pause()
}

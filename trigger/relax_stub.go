//go:build !cgo || noasm || !(amd64 || arm64)

// relax_stub.go
//
// No spin hint on this target; the clock spins at full speed for the
// (short) pre-deadline window.

package trigger

//go:nosplit
func cpuRelax() {}

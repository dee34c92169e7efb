// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go: kernel-wide defaults
//
// Purpose:
//   - Sizes of the logging pipeline and the default scheduling parameters
//     used when a configuration document leaves a field out.
//
// ⚠️ No runtime logic here, all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

// ─────────────────────────────── Logging ────────────────────────────────────

const (
	// LogRecordSize is the fixed payload of one pooled log record; longer
	// messages are truncated.
	LogRecordSize = 1024

	// LogPoolSize is the default number of records in flight.
	LogPoolSize = 1024

	// ModuleNameWidth is the padded width of the "[module]" column.
	ModuleNameWidth = 20

	// DumpLogSize is the default capacity of the in-memory dump log.
	DumpLogSize = 64 << 10
)

// ─────────────────────────────── Scheduling ─────────────────────────────────

const (
	// DefaultDivisor applies to triggers that do not name one.
	DefaultDivisor = 1

	// ThreadNameMax is what the kernel keeps of a thread name.
	ThreadNameMax = 15
)

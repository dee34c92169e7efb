// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go: cold-path diagnostics straight to stderr
//
// Purpose:
//   - Reports failures that happen before the kernel logger exists, or
//     inside the logger itself (a sink that cannot be written).
//
// Notes:
//   - A single write per message so concurrent callers do not interleave.
//
// ⚠️ Never invoke in hot loops, use only in failure diagnostics.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import (
	"io"
	"os"
)

// Output is where diagnostics go; tests swap it.
var Output io.Writer = os.Stderr

// DropError prints "prefix: err", or just prefix for a nil error.
func DropError(prefix string, err error) {
	if err != nil {
		_, _ = io.WriteString(Output, prefix+": "+err.Error()+"\n")
		return
	}
	_, _ = io.WriteString(Output, prefix+"\n")
}

// DropMessage prints "prefix: message".
func DropMessage(prefix, message string) {
	_, _ = io.WriteString(Output, prefix+": "+message+"\n")
}

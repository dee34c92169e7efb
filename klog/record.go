// record.go
//
// Fixed-size pooled log record.  Producers format straight into the
// embedded array, so taking a record from the free pool is the only cost
// a real-time thread pays for a log line.

package klog

import (
	"bytes"
	"fmt"
	"time"

	"rtkernel/constants"
)

// Record is one log message in flight.
type Record struct {
	Time   time.Time
	Level  Level
	Module string

	buf [constants.LogRecordSize]byte
	n   int
}

// Message returns the formatted payload.
func (r *Record) Message() []byte { return r.buf[:r.n] }

func (r *Record) reset() {
	r.Module = ""
	r.n = 0
}

// format fills the payload from format/args, truncating at the record size.
func (r *Record) format(format string, args []any) {
	var b []byte
	if len(args) == 0 {
		b = append(r.buf[:0], format...)
	} else {
		b = fmt.Appendf(r.buf[:0], format, args...)
	}
	// Appendf reallocates once the record is full; copy back what fits
	r.n = copy(r.buf[:], b)
	if r.n > 0 && r.buf[r.n-1] == '\n' {
		r.n--
	}
}

// splitTag extracts a leading "[module]" tag from the payload when no
// module was given explicitly.
func (r *Record) splitTag() {
	if r.Module != "" || r.n < 2 || r.buf[0] != '[' {
		return
	}
	end := bytes.IndexByte(r.buf[:r.n], ']')
	if end < 0 {
		return
	}
	r.Module = string(r.buf[1:end])
	rest := r.buf[end+1 : r.n]
	rest = bytes.TrimLeft(rest, " ")
	r.n = copy(r.buf[:], rest)
}

// appendLine renders "time LEVEL [module]<pad> message\n" into dst.  The
// bracketed module tag is padded or cut to width.
func appendLine(dst []byte, r *Record, width int) []byte {
	dst = r.Time.AppendFormat(dst, "2006-01-02 15:04:05.000000")
	dst = append(dst, ' ')
	lvl := r.Level.String()
	dst = append(dst, lvl...)
	for i := len(lvl); i < 8; i++ {
		dst = append(dst, ' ')
	}
	if r.Module != "" {
		dst = appendTag(dst, r.Module, width)
		dst = append(dst, ' ')
	}
	dst = append(dst, r.Message()...)
	return append(dst, '\n')
}

func appendTag(dst []byte, module string, width int) []byte {
	if width < 3 {
		width = 3
	}
	if len(module) > width-2 {
		module = module[:width-2]
	}
	dst = append(dst, '[')
	dst = append(dst, module...)
	dst = append(dst, ']')
	for i := len(module) + 2; i < width; i++ {
		dst = append(dst, ' ')
	}
	return dst
}

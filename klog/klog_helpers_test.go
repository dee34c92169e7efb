package klog

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memSink keeps rendered lines and copies of the records.
type memSink struct {
	mu     sync.Mutex
	lines  []string
	recs   []Record
	closed bool
	gate   chan struct{} // when set, each write waits for a token
}

func (s *memSink) WriteRecord(rec *Record, line []byte) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, string(line))
	s.recs = append(s.recs, *rec)
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memSink) text() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *memSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.recs))
	for i := range s.recs {
		out[i] = string(s.recs[i].Message())
	}
	return out
}

func newStarted(t *testing.T, sink Sink, opts Options) *Logger {
	t.Helper()
	l, err := New(sink, opts)
	require.NoError(t, err)
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// message strips the timestamp and level columns from a rendered line.
func message(line string) string {
	fields := strings.SplitN(line, " ", 4)
	if len(fields) < 4 {
		return line
	}
	return strings.TrimLeft(fields[3], " ")
}

// sink.go
//
// Destinations for rendered log records.  Sinks are called from a single
// goroutine at a time (the logger serialises them), so none of them locks.

package klog

import (
	"errors"
	"io"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// Sink receives every record that passes the level filter.  line is the
// rendered text form including the trailing newline; it is only valid for
// the duration of the call.
type Sink interface {
	WriteRecord(rec *Record, line []byte) error
	Close() error
}

// WriterSink writes the text form to w.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) WriteRecord(_ *Record, line []byte) error {
	_, err := s.W.Write(line)
	return err
}

func (s WriterSink) Close() error {
	if c, ok := s.W.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// jsonRecord is the wire form written by JSONSink.
type jsonRecord struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Module  string    `json:"module,omitempty"`
	Message string    `json:"msg"`
}

// JSONSink writes one JSON object per line.
type JSONSink struct {
	W io.Writer
}

func (s JSONSink) WriteRecord(rec *Record, _ []byte) error {
	b, err := sonnet.Marshal(jsonRecord{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Module:  rec.Module,
		Message: string(rec.Message()),
	})
	if err != nil {
		return err
	}
	_, err = s.W.Write(append(b, '\n'))
	return err
}

func (s JSONSink) Close() error {
	if c, ok := s.W.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// MultiSink fans each record out to several sinks; every sink is tried and
// the errors are joined.
type MultiSink []Sink

func (m MultiSink) WriteRecord(rec *Record, line []byte) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteRecord(rec, line); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handler.go
//
// slog bridge.  Components log through *slog.Logger; NewHandler routes
// those records into the kernel pipeline.  The "module" attribute (or, if
// absent, "worker", "device" or "thread") becomes the [module] tag.

package klog

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
)

var tagKeys = []string{"module", "worker", "device", "thread"}

// Handler implements slog.Handler on top of a Logger.
type Handler struct {
	l      *Logger
	attrs  []slog.Attr
	groups []string
}

// NewHandler returns a handler feeding l.
func NewHandler(l *Logger) *Handler {
	return &Handler{l: l}
}

// Slog is shorthand for slog.New(NewHandler(l)).
func (l *Logger) Slog() *slog.Logger {
	return slog.New(NewHandler(l))
}

// FromSlog maps slog levels onto kernel levels; the gap between Debug and
// Info is Verbose.
func FromSlog(lvl slog.Level) Level {
	switch {
	case lvl >= slog.LevelError:
		return LevelError
	case lvl >= slog.LevelWarn:
		return LevelWarning
	case lvl >= slog.LevelInfo:
		return LevelInfo
	case lvl > slog.LevelDebug:
		return LevelVerbose
	}
	return LevelDebug
}

func (h *Handler) Enabled(_ context.Context, lvl slog.Level) bool {
	return h.l.Enabled(FromSlog(lvl))
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	// pick the tag: the highest ranked key among the ungrouped attributes
	rank, module := len(tagKeys), ""
	consider := func(a slog.Attr) {
		if i := slices.Index(tagKeys, a.Key); i >= 0 && i < rank {
			rank, module = i, a.Value.String()
		}
	}
	for _, a := range h.attrs {
		consider(a)
	}
	grouped := len(h.groups) > 0
	if !grouped {
		r.Attrs(func(a slog.Attr) bool {
			consider(a)
			return true
		})
	}

	var b strings.Builder
	b.WriteString(r.Message)
	used := false
	emit := func(a slog.Attr, prefix bool) {
		if a.Equal(slog.Attr{}) {
			return
		}
		if !used && !prefix && rank < len(tagKeys) && a.Key == tagKeys[rank] && a.Value.String() == module {
			used = true
			return
		}
		b.WriteByte(' ')
		if prefix {
			for _, g := range h.groups {
				b.WriteString(g)
				b.WriteByte('.')
			}
		}
		b.WriteString(a.Key)
		b.WriteByte('=')
		v := a.Value.Resolve().String()
		if v == "" || strings.ContainsAny(v, " \t\"=") {
			v = strconv.Quote(v)
		}
		b.WriteString(v)
	}
	for _, a := range h.attrs {
		emit(a, false)
	}
	r.Attrs(func(a slog.Attr) bool {
		emit(a, grouped)
		return true
	})

	h.l.Logf(FromSlog(r.Level), module, "%s", b.String())
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = slices.Clip(h.attrs)
	for _, a := range attrs {
		if len(h.groups) > 0 {
			a.Key = strings.Join(h.groups, ".") + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.groups = append(slices.Clip(h.groups), name)
	return &nh
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// Kernel Logger
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Pooled Producer/Consumer Log Pipeline
//
// Description:
//   A fixed pool of records circulates between two bounded queues.  A producer takes a record
//   from the free queue, formats into it and puts it on the filled queue; the drain thread
//   takes filled records, renders them to the sink and to the dump log, and returns them to the
//   free queue.  Memory is bounded by the pool size and producers never wait on the sink.
//
// Overload:
//   An empty free queue means the drain thread is behind.  Asynchronous producers then drop the
//   message and count it instead of blocking a real-time thread.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package klog

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rtkernel/constants"
	"rtkernel/debug"
	"rtkernel/metrics"
	"rtkernel/queue"
	"rtkernel/ring"
	"rtkernel/rtthread"
)

// Options tune a Logger; zero fields take the package defaults.
type Options struct {
	Level       Level
	PoolSize    int
	DumpSize    int
	ModuleWidth int
	Sync        bool
	Thread      rtthread.Attr // drain thread; name defaults to "rk:log"
	Metrics     *metrics.Metrics
}

// Logger is the kernel log pipeline.
type Logger struct {
	sink    Sink
	width   int
	metrics *metrics.Metrics

	level   atomic.Int32
	sync    atomic.Bool
	dropped atomic.Uint64
	queued  atomic.Int64 // records put on filled and not yet emitted

	free   *queue.Queue[*Record]
	filled *queue.Queue[*Record]
	dump   *ring.ByteRing

	sinkMu sync.Mutex
	line   []byte // guarded by sinkMu
	closed bool   // guarded by sinkMu

	thread *rtthread.Thread
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a logger writing to sink.  Start launches the drain thread;
// until then (and in sync mode) messages are written by the caller.
func New(sink Sink, opts Options) (*Logger, error) {
	if sink == nil {
		return nil, fmt.Errorf("klog: nil sink")
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = constants.LogPoolSize
	}
	if opts.DumpSize <= 0 {
		opts.DumpSize = constants.DumpLogSize
	}
	if opts.ModuleWidth <= 0 {
		opts.ModuleWidth = constants.ModuleNameWidth
	}
	if opts.Thread.Name == "" {
		opts.Thread.Name = "rk:log"
	}

	l := &Logger{
		sink:    sink,
		width:   opts.ModuleWidth,
		metrics: opts.Metrics,
		free:    queue.New[*Record](opts.PoolSize),
		filled:  queue.New[*Record](opts.PoolSize),
		dump:    ring.New(opts.DumpSize),
		line:    make([]byte, 0, constants.LogRecordSize+64),
	}
	l.level.Store(int32(opts.Level))
	l.sync.Store(opts.Sync)
	for i := 0; i < opts.PoolSize; i++ {
		l.free.Put(new(Record))
	}
	l.dump.OnEvict(func(n int) { l.metrics.RingEvict("dump_log", n) })

	th, err := rtthread.New(opts.Thread, l, nil)
	if err != nil {
		return nil, err
	}
	l.thread = th
	return l, nil
}

// Start launches the drain thread.
func (l *Logger) Start() error {
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l.thread.Start()
}

// Close stops the drain thread, writes whatever is still queued and closes
// the sink.
func (l *Logger) Close() error {
	l.thread.Stop()
	l.flushQueued()
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.sink.Close()
}

// Run is one drain step: wait for a filled record and emit it.
func (l *Logger) Run(t *rtthread.Thread) {
	rec, err := l.filled.GetContext(l.ctx)
	if err != nil {
		return
	}
	l.emit(rec)
	l.queued.Add(-1)
	l.free.Put(rec)
}

// Wake interrupts a drain thread blocked on an empty filled queue.
func (l *Logger) Wake() {
	if l.cancel != nil {
		l.cancel()
	}
}

// Flush blocks until every record queued so far has been written.
func (l *Logger) Flush() {
	for l.queued.Load() > 0 {
		if !l.thread.Running() {
			l.flushQueued()
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func (l *Logger) flushQueued() {
	for {
		rec, ok := l.filled.TryGet()
		if !ok {
			return
		}
		l.emit(rec)
		l.queued.Add(-1)
		l.free.Put(rec)
	}
}

func (l *Logger) emit(rec *Record) {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()

	l.line = appendLine(l.line[:0], rec, l.width)
	if l.closed {
		debug.DropMessage("klog closed", string(bytes.TrimRight(l.line, "\n")))
		return
	}
	if err := l.sink.WriteRecord(rec, l.line); err != nil {
		debug.DropError("klog sink", err)
	}
	_, _ = l.dump.Write(l.line)
}

// Enabled reports whether messages at lvl pass the current level.
func (l *Logger) Enabled(lvl Level) bool {
	return lvl <= Level(l.level.Load())
}

func (l *Logger) SetLevel(lvl Level) { l.level.Store(int32(lvl)) }

func (l *Logger) Level() Level { return Level(l.level.Load()) }

// SetSync switches between caller-side writes (true) and the drain thread.
func (l *Logger) SetSync(on bool) { l.sync.Store(on) }

// Dropped returns how many messages were discarded for lack of a free record.
func (l *Logger) Dropped() uint64 { return l.dropped.Load() }

// Dump returns the dump log; keep leaves it in place.
func (l *Logger) Dump(keep bool) []byte { return l.dump.Get(keep) }

// Logf formats a message for module at lvl.  An empty module lets a leading
// "[name]" in the message act as the tag.
func (l *Logger) Logf(lvl Level, module, format string, args ...any) {
	if !l.Enabled(lvl) {
		return
	}
	direct := l.sync.Load() || !l.thread.Running()

	rec, ok := l.free.TryGet()
	if !ok {
		if !direct {
			l.dropped.Add(1)
			l.metrics.LogDrop()
			return
		}
		rec = new(Record)
	}

	rec.reset()
	rec.Time = time.Now()
	rec.Level = lvl
	rec.Module = module
	rec.format(format, args)
	rec.splitTag()

	if direct {
		l.emit(rec)
		if ok {
			l.free.Put(rec)
		}
		return
	}
	l.queued.Add(1)
	l.filled.Put(rec)
	// the drain thread may have stopped after direct was decided
	if !l.thread.Running() {
		l.flushQueued()
	}
}

func (l *Logger) Errorf(module, format string, args ...any) {
	l.Logf(LevelError, module, format, args...)
}

func (l *Logger) Warnf(module, format string, args ...any) {
	l.Logf(LevelWarning, module, format, args...)
}

func (l *Logger) Infof(module, format string, args ...any) {
	l.Logf(LevelInfo, module, format, args...)
}

func (l *Logger) Verbosef(module, format string, args ...any) {
	l.Logf(LevelVerbose, module, format, args...)
}

func (l *Logger) Debugf(module, format string, args ...any) {
	l.Logf(LevelDebug, module, format, args...)
}

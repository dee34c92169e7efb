package kernel

import (
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"rtkernel/config"
	"rtkernel/klog"
	"rtkernel/worker"
)

// lineSink collects rendered log lines.
type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) WriteRecord(_ *klog.Record, line []byte) error {
	s.mu.Lock()
	s.lines = append(s.lines, string(line))
	s.mu.Unlock()
	return nil
}

func (s *lineSink) Close() error { return nil }

func (s *lineSink) contains(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func parse(t *testing.T, doc string) *config.Kernel {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func build(t *testing.T, doc string, reg *Registry) (*Kernel, *lineSink) {
	t.Helper()
	sink := &lineSink{}
	k, err := New(parse(t, doc), reg, WithSink(sink))
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Stop() })
	return k, sink
}

func published(t *testing.T, k *Kernel, name string) uint64 {
	t.Helper()
	m, ok := k.Module(name)
	require.True(t, ok, name)
	p, ok := m.(Producer)
	require.True(t, ok, name)
	return binary.LittleEndian.Uint64(p.Output().Peek())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b", NewCounter))
	require.NoError(t, r.Register("a", NewCounter))
	assert.ErrorIs(t, r.Register("a", NewMirror), ErrDuplicateKind)
	assert.Error(t, r.Register("", NewCounter))
	assert.Error(t, r.Register("c", nil))

	assert.Equal(t, []string{"a", "b"}, r.Kinds())
	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("zzz")
	assert.False(t, ok)

	assert.Equal(t, []string{"counter", "mirror"}, Builtins().Kinds())
}

func TestNewRejectsUnknownKind(t *testing.T) {
	cfg := parse(t, `
trigger_devices:
  - name: ext
modules:
  - name: m
    kind: nope
    trigger: {device: ext}
`)
	_, err := New(cfg, Builtins(), WithSink(&lineSink{}))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestMirrorNeedsEarlierSource(t *testing.T) {
	cfg := parse(t, `
trigger_devices:
  - name: ext
modules:
  - name: copy
    kind: mirror
    source: c
    trigger: {device: ext, direct_mode: true}
  - name: c
    kind: counter
    trigger: {device: ext, direct_mode: true}
`)
	_, err := New(cfg, Builtins(), WithSink(&lineSink{}))
	assert.ErrorIs(t, err, ErrNoSuchModule)
}

func TestDirectModeRunsOnTriggeringThread(t *testing.T) {
	k, _ := build(t, `
trigger_devices:
  - name: ext
modules:
  - name: c
    kind: counter
    pd_length: 16
    trigger: {device: ext, direct_mode: true}
  - name: copy
    kind: mirror
    source: c
    trigger: {device: ext, direct_mode: true}
`, Builtins())
	require.NoError(t, k.Start())

	for i := 0; i < 3; i++ {
		require.NoError(t, k.Trigger("ext", 0))
	}
	assert.Equal(t, uint64(3), published(t, k, "c"))
	assert.Equal(t, uint64(3), published(t, k, "copy"))

	m, _ := k.Module("copy")
	assert.Equal(t, 16, m.(Producer).Output().Len())

	assert.ErrorIs(t, k.Trigger("missing", 0), ErrNoSuchDevice)
}

func TestWorkerModeHonoursDivisor(t *testing.T) {
	k, _ := build(t, `
trigger_devices:
  - name: ext
modules:
  - name: c
    kind: counter
    trigger: {device: ext, divisor: 2}
`, Builtins())
	require.NoError(t, k.Start())

	cycles := func() uint64 {
		ws := k.Stats().Devices[0].Workers
		if len(ws) != 1 {
			return 0
		}
		return ws[0].Cycles
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, k.Trigger("ext", 0))
	}
	require.Eventually(t, func() bool { return cycles() == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, uint64(2), cycles(), "four ticks at divisor 2 run the module twice")

	st := k.Stats()
	require.Len(t, st.Devices[0].Workers, 1)
	assert.Equal(t, []string{"c"}, st.Devices[0].Workers[0].Modules)
	assert.Equal(t, 2, st.Devices[0].Workers[0].Divisor)

	require.NoError(t, k.Stop())
	assert.Equal(t, uint64(2), published(t, k, "c"))
	assert.Empty(t, k.Stats().Devices[0].Workers, "workers retire on stop")
}

func TestClockedDevice(t *testing.T) {
	k, sink := build(t, `
log_level: debug
trigger_devices:
  - name: fast
    rate: 1000
    spin: 100us
modules:
  - name: c
    kind: counter
    trigger: {device: fast}
`, Builtins())
	require.NoError(t, k.Start())

	require.Eventually(t, func() bool {
		st := k.Stats()
		return st.Devices[0].Clock != nil && st.Devices[0].Clock.Ticks >= 5 &&
			len(st.Devices[0].Workers) == 1 && st.Devices[0].Workers[0].Cycles >= 5
	}, 2*time.Second, time.Millisecond)

	raw, err := k.StatsJSON()
	require.NoError(t, err)
	var decoded Stats
	require.NoError(t, sonnet.Unmarshal(raw, &decoded))
	assert.Equal(t, "fast", decoded.Devices[0].Name)
	assert.Equal(t, 1000.0, decoded.Devices[0].Rate)
	assert.Equal(t, "counter", decoded.Modules[0].Kind)

	require.NoError(t, k.Stop())
	assert.GreaterOrEqual(t, published(t, k, "c"), uint64(5))
	assert.True(t, sink.contains("started: 1 devices, 1 modules"))
}

func deviceStats(t *testing.T, k *Kernel, name string) DeviceStats {
	t.Helper()
	for _, d := range k.Stats().Devices {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("no device %s", name)
	return DeviceStats{}
}

func TestOutputsDeviceDrivesDownstreamWorker(t *testing.T) {
	k, _ := build(t, `
trigger_devices:
  - name: ext
modules:
  - name: c
    kind: counter
    trigger: {device: ext, direct_mode: true}
  - name: copy
    kind: mirror
    source: c
    trigger: {device: c.outputs}
`, Builtins())
	require.NoError(t, k.Start())

	out := deviceStats(t, k, "c.outputs")
	assert.True(t, out.Generated)
	assert.False(t, deviceStats(t, k, "ext").Generated)
	_, ok := k.Device("copy.outputs")
	assert.True(t, ok, "every module gets an outputs device")

	cycles := func() uint64 {
		ws := deviceStats(t, k, "c.outputs").Workers
		if len(ws) != 1 {
			return 0
		}
		return ws[0].Cycles
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, k.Trigger("ext", 0))
		// the mirror finishes reading before the counter publishes again
		require.Eventually(t, func() bool { return cycles() == uint64(i+1) }, time.Second, time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, uint64(5), cycles(), "one mirror cycle per counter push")

	require.NoError(t, k.Stop())
	assert.Equal(t, uint64(5), published(t, k, "copy"))
}

func TestOutputsDeviceDirectChain(t *testing.T) {
	k, _ := build(t, `
trigger_devices:
  - name: ext
modules:
  - name: c
    kind: counter
    trigger: {device: ext, direct_mode: true, divisor: 2}
  - name: copy
    kind: mirror
    source: c
    trigger: {device: c.outputs, direct_mode: true}
  - name: copy2
    kind: mirror
    source: copy
    trigger: {device: copy.outputs, direct_mode: true}
`, Builtins())
	require.NoError(t, k.Start())

	for i := 1; i <= 6; i++ {
		require.NoError(t, k.Trigger("ext", 0))
		want := uint64(i / 2)
		assert.Equal(t, want, published(t, k, "c"))
		assert.Equal(t, want, published(t, k, "copy"), "tick %d", i)
		assert.Equal(t, want, published(t, k, "copy2"), "tick %d", i)
	}
}

func TestClkDeviceRoutesPushes(t *testing.T) {
	k, _ := build(t, `
trigger_devices:
  - name: ext
  - name: bus
modules:
  - name: c
    kind: counter
    clk_device: bus
    trigger: {device: ext, direct_mode: true}
  - name: copy
    kind: mirror
    source: c
    trigger: {device: bus, direct_mode: true}
`, Builtins())
	_, ok := k.Device("c.outputs")
	assert.False(t, ok, "clk_device replaces the generated device")
	require.NoError(t, k.Start())

	require.NoError(t, k.Trigger("ext", 0))
	require.NoError(t, k.Trigger("ext", 0))
	assert.Equal(t, uint64(2), published(t, k, "copy"))
}

type flaky struct {
	name  string
	calls atomic.Int64
}

func (f *flaky) Name() string { return f.name }

func (f *flaky) Tick() error {
	if f.calls.Add(1)%2 == 0 {
		panic("every other tick")
	}
	return errors.New("odd tick")
}

func TestFailingModuleIsolated(t *testing.T) {
	reg := Builtins()
	bad := &flaky{name: "bad"}
	require.NoError(t, reg.Register("flaky", func(env Env) (worker.Module, error) {
		bad.name = env.Config.Name
		return bad, nil
	}))
	k, sink := build(t, `
trigger_devices:
  - name: ext
modules:
  - name: bad
    kind: flaky
    trigger: {device: ext}
  - name: c
    kind: counter
    trigger: {device: ext}
`, reg)
	require.NoError(t, k.Start())

	for i := 0; i < 4; i++ {
		require.NoError(t, k.Trigger("ext", 0))
		require.Eventually(t, func() bool {
			ws := k.Stats().Devices[0].Workers
			return len(ws) == 1 && ws[0].Cycles == uint64(i+1)
		}, time.Second, time.Millisecond)
	}
	ws := k.Stats().Devices[0].Workers[0]
	assert.Equal(t, []string{"bad", "c"}, ws.Modules)
	assert.Equal(t, uint64(4), ws.StepFailures)

	require.NoError(t, k.Stop())
	assert.Equal(t, uint64(4), published(t, k, "c"))
	assert.True(t, sink.contains("bad"))
}

func TestStartStopLifecycle(t *testing.T) {
	k, _ := build(t, `
trigger_devices:
  - name: ext
modules:
  - name: c
    kind: counter
    trigger: {device: ext}
`, Builtins())
	require.NoError(t, k.Start())
	assert.ErrorIs(t, k.Start(), ErrStarted)
	require.NoError(t, k.Stop())
	require.NoError(t, k.Stop())
	assert.ErrorIs(t, k.Start(), ErrStarted)
}

func TestStopWithoutStart(t *testing.T) {
	k, _ := build(t, `
trigger_devices:
  - name: ext
modules:
  - name: c
    kind: counter
    trigger: {device: ext}
  - name: copy
    kind: mirror
    source: c
    trigger: {device: ext}
`, Builtins())
	require.NoError(t, k.Stop())
}

func TestNewRejectsNil(t *testing.T) {
	_, err := New(nil, Builtins())
	assert.Error(t, err)
	_, err = New(&config.Kernel{}, nil)
	assert.Error(t, err)
}

// ============================================================================
// KERNEL WORKER VALIDATION SUITE
// ============================================================================
//
// Rate division, execution order, fault isolation, overrun accounting and
// module list management.

package worker

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtkernel/rtthread"
)

// journal collects step executions across modules in the order they ran.
type journal struct {
	mu    sync.Mutex
	steps []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.steps = append(j.steps, s)
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.steps...)
}

type testModule struct {
	name string
	j    *journal
	tick func() error
}

func (m *testModule) Name() string { return m.name }

func (m *testModule) Tick() error {
	if m.j != nil {
		m.j.add(m.name)
	}
	if m.tick != nil {
		return m.tick()
	}
	return nil
}

func startWorker(t *testing.T, divisor int, log *slog.Logger) *Worker {
	t.Helper()
	w, err := New(Config{ID: t.Name(), Divisor: divisor}, log, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	return w
}

func waitWakes(t *testing.T, w *Worker, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return w.Stats().Wakes == n }, 2*time.Second, time.Millisecond)
}

func TestNewRejectsBadDivisor(t *testing.T) {
	for _, d := range []int{0, -1} {
		_, err := New(Config{Divisor: d}, nil, nil)
		assert.ErrorIs(t, err, rtthread.ErrInvalidConfiguration)
	}
	_, err := New(Config{Divisor: 1, Attr: rtthread.Attr{Policy: rtthread.PolicyFIFO}}, nil, nil)
	assert.ErrorIs(t, err, rtthread.ErrInvalidConfiguration)
}

func TestDivisorExecutesOncePerDTriggers(t *testing.T) {
	for d := 1; d <= 5; d++ {
		j := &journal{}
		w := startWorker(t, d, nil)
		w.AddModule(&testModule{name: "m", j: j})

		for i := 0; i < d-1; i++ {
			w.Trigger()
		}
		waitWakes(t, w, uint64(d-1))
		assert.Empty(t, j.snapshot(), "d=%d: %d triggers must not execute", d, d-1)
		assert.Zero(t, w.Stats().Cycles)

		w.Trigger()
		waitWakes(t, w, uint64(d))
		require.Eventually(t, func() bool { return w.Stats().Cycles == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, []string{"m"}, j.snapshot(), "d=%d", d)
	}
}

func TestTwoModulesDivisorTwoFourTriggers(t *testing.T) {
	j := &journal{}
	w := startWorker(t, 2, nil)
	w.AddModule(&testModule{name: "A", j: j})
	w.AddModule(&testModule{name: "B", j: j})

	for i := 0; i < 4; i++ {
		w.Trigger()
	}
	require.Eventually(t, func() bool { return w.Stats().Cycles == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"A", "B", "A", "B"}, j.snapshot())
}

func TestFailingModulesAreIsolated(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	j := &journal{}
	w := startWorker(t, 1, log)
	w.AddModule(&testModule{name: "boom", j: j, tick: func() error { panic("sensor gone") }})
	w.AddModule(&testModule{name: "err", j: j, tick: func() error { return errors.New("bus timeout") }})
	w.AddModule(&testModule{name: "ok", j: j})

	w.Trigger()
	require.Eventually(t, func() bool { return w.Stats().Cycles == 1 }, 2*time.Second, time.Millisecond)

	assert.Equal(t, []string{"boom", "err", "ok"}, j.snapshot())
	st := w.Stats()
	assert.Equal(t, uint64(2), st.StepFailures)

	out := buf.String()
	assert.Contains(t, out, "module step panicked")
	assert.Contains(t, out, "sensor gone")
	assert.Contains(t, out, "bus timeout")

	// the worker keeps cycling after the failures
	w.Trigger()
	require.Eventually(t, func() bool { return w.Stats().Cycles == 2 }, 2*time.Second, time.Millisecond)
}

func TestStepCapturesPanic(t *testing.T) {
	res := Step(&testModule{name: "p", tick: func() error { panic(42) }})
	require.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, ErrModulePanic)
	assert.Equal(t, 42, res.Panic)
	assert.Equal(t, "p", res.Module)

	res = Step(&testModule{name: "fine"})
	assert.False(t, res.Failed())
	assert.Nil(t, res.Panic)
}

func TestTriggerDuringExecutionIsOverrunNotLost(t *testing.T) {
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	var runs atomic.Int64

	w := startWorker(t, 1, nil)
	w.AddModule(&testModule{name: "slow", tick: func() error {
		if runs.Add(1) == 1 {
			entered <- struct{}{}
			<-release
		}
		return nil
	}})

	w.Trigger()
	<-entered
	w.Trigger()
	w.Trigger()
	assert.Equal(t, uint64(2), w.Stats().Overruns)

	close(release)
	require.Eventually(t, func() bool { return w.Stats().Cycles == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int64(3), runs.Load())
}

func TestRemoveModuleReportsEmpty(t *testing.T) {
	w, err := New(Config{Divisor: 1}, nil, nil)
	require.NoError(t, err)

	a := &testModule{name: "A"}
	b := &testModule{name: "B"}
	w.AddModule(a)
	w.AddModule(b)
	assert.Equal(t, "rk:kernel_worker A B", w.Stats().Thread)

	assert.False(t, w.RemoveModule(&testModule{name: "A"}), "different identity, nothing removed")
	assert.Len(t, w.Modules(), 2)

	assert.False(t, w.RemoveModule(a))
	assert.Equal(t, []string{"B"}, w.Stats().Modules)
	assert.Equal(t, "rk:kernel_worker B", w.Stats().Thread)

	assert.True(t, w.RemoveModule(b))
	assert.Empty(t, w.Modules())
}

func TestModulesAddedWhileRunning(t *testing.T) {
	j := &journal{}
	w := startWorker(t, 1, nil)

	w.Trigger()
	waitWakes(t, w, 1)
	assert.Empty(t, j.snapshot())

	w.AddModule(&testModule{name: "late", j: j})
	w.Trigger()
	waitWakes(t, w, 2)
	require.Eventually(t, func() bool { return len(j.snapshot()) == 1 }, time.Second, time.Millisecond)
}

func TestStopWhileIdleReturns(t *testing.T) {
	w, err := New(Config{Divisor: 3}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked on an idle worker")
	}
	assert.False(t, w.Thread().Running())
}

func TestTriggerWhileIdleIsDropped(t *testing.T) {
	j := &journal{}
	w, err := New(Config{ID: t.Name(), Divisor: 1}, nil, nil)
	require.NoError(t, err)
	w.AddModule(&testModule{name: "A", j: j})

	w.Trigger()
	w.Trigger()
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, j.snapshot(), "triggers before Start must not run the modules")
	assert.Zero(t, w.Stats().Wakes)

	w.Trigger()
	waitWakes(t, w, 1)
	require.Eventually(t, func() bool { return len(j.snapshot()) == 1 }, time.Second, time.Millisecond)
}

func TestRestartClearsDivisorPhase(t *testing.T) {
	j := &journal{}
	w, err := New(Config{ID: t.Name(), Divisor: 2}, nil, nil)
	require.NoError(t, err)
	w.AddModule(&testModule{name: "A", j: j})
	require.NoError(t, w.Start())

	w.Trigger()
	waitWakes(t, w, 1)
	w.Stop()
	w.Trigger()

	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	w.Trigger()
	waitWakes(t, w, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, j.snapshot(), "one trigger after restart is half a divisor period")

	w.Trigger()
	require.Eventually(t, func() bool { return len(j.snapshot()) == 1 }, time.Second, time.Millisecond)
}

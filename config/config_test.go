package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtkernel/klog"
	"rtkernel/rtthread"
)

const sample = `
log_level: verbose
log_pool_size: 256
dump_log_size: 4096
metrics_addr: ":9100"
trigger_devices:
  - name: master
    rate: 1000
    clock_id: 0
    prio: 80
    affinity: [0, 1]
  - name: external
modules:
  - name: ctrl
    kind: counter
    pd_length: 64
    trigger:
      device: master
      divisor: 2
      prio: 60
      affinity: 0
  - name: watch
    kind: mirror
    source: ctrl
    trigger:
      device: master
      direct_mode: true
      clock_id: -1
  - name: io
    kind: counter
    trigger:
      device: external
      affinity: "0x3"
`

func TestParseSample(t *testing.T) {
	k, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, klog.LevelVerbose, k.Level())
	assert.Equal(t, 256, k.LogPoolSize)
	assert.Equal(t, ":9100", k.MetricsAddr)
	require.Len(t, k.Devices, 2)
	assert.Equal(t, rtthread.CPUMask(0b11), k.Devices[0].Affinity.Mask())
	assert.Equal(t, rtthread.Attr{Name: "rk:clock:master", Policy: rtthread.PolicyFIFO, Prio: 80, Affinity: 0b11}, k.Devices[0].Attr())

	require.Len(t, k.Modules, 3)
	ctrl := k.Modules[0]
	assert.Equal(t, 2, ctrl.Trigger.Divisor)
	assert.Equal(t, rtthread.CPUMask(1), ctrl.Trigger.Affinity.Mask())
	assert.Equal(t, 64, ctrl.PDLength)

	watch := k.Modules[1]
	assert.Equal(t, 1, watch.Trigger.Divisor, "divisor defaults to 1")
	assert.True(t, watch.Trigger.DirectMode)
	assert.Equal(t, -1, watch.Trigger.ClockID)
	assert.Equal(t, "ctrl", watch.Source)

	assert.Equal(t, rtthread.CPUMask(3), k.Modules[2].Trigger.Affinity.Mask())

	d, ok := k.Device("external")
	require.True(t, ok)
	assert.Zero(t, d.Rate)
}

func TestParseEmptyDocument(t *testing.T) {
	k, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, klog.LevelInfo, k.Level())
}

func TestUnknownKeyRejected(t *testing.T) {
	_, err := Parse([]byte("log_levle: info\n"))
	assert.ErrorIs(t, err, rtthread.ErrInvalidConfiguration)
}

func TestValidationCollectsEveryProblem(t *testing.T) {
	doc := `
log_level: shouty
trigger_devices:
  - name: a
    prio: 120
  - name: a
modules:
  - name: m
    kind: counter
    trigger: {device: nowhere, divisor: 0}
  - name: m
    kind: ""
    source: ghost
    trigger: {device: a, prio: -3}
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, rtthread.ErrInvalidConfiguration)

	msg := err.Error()
	for _, want := range []string{
		"log_level",
		"priority 120",
		`duplicate device "a"`,
		`trigger device "nowhere" not defined`,
		"divisor 0 < 1",
		"duplicate module",
		"missing kind",
		`source "ghost" not defined`,
		"priority -3",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestAffinityForms(t *testing.T) {
	for doc, want := range map[string]rtthread.CPUMask{
		"affinity: 3":       1 << 3,
		"affinity: [1, 2]":  0b110,
		"affinity: 0x0c":    0b1100,
		"affinity: []":      0,
		`affinity: "0xff"`:  0xff,
		"affinity: [0, 63]": 1 | 1<<63,
	} {
		var d struct {
			Affinity Affinity `yaml:"affinity"`
		}
		require.NoError(t, yamlUnmarshal(doc, &d), doc)
		assert.Equal(t, want, d.Affinity.Mask(), doc)
	}

	var d struct {
		Affinity Affinity `yaml:"affinity"`
	}
	assert.ErrorIs(t, yamlUnmarshal("affinity: [64]", &d), rtthread.ErrInvalidConfiguration)
	assert.Error(t, yamlUnmarshal("affinity: {cpu: 1}", &d))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	k, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, k.Modules, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOutputsDevices(t *testing.T) {
	k, err := Parse([]byte(`
trigger_devices:
  - name: master
    rate: 1000
    spin: 100us
modules:
  - name: ctrl
    kind: counter
    trigger: {device: master}
  - name: watch
    kind: mirror
    source: ctrl
    trigger: {device: ctrl.outputs}
  - name: tap
    kind: mirror
    source: watch
    clk_device: master
    trigger: {device: watch.outputs, direct_mode: true}
`))
	require.NoError(t, err)
	assert.Equal(t, 100*time.Microsecond, k.Devices[0].Spin)
	assert.Equal(t, "ctrl.outputs", k.Modules[0].OutputsDevice())
	assert.Equal(t, "master", k.Modules[2].OutputsDevice())
}

func TestOutputsDeviceRules(t *testing.T) {
	cases := map[string]string{
		"self trigger": `
trigger_devices: [{name: ext}]
modules:
  - {name: a, kind: counter, trigger: {device: a.outputs}}
`,
		"self trigger via clk_device": `
trigger_devices: [{name: ext}]
modules:
  - {name: a, kind: counter, clk_device: ext, trigger: {device: ext}}
`,
		"unknown clk_device": `
trigger_devices: [{name: ext}]
modules:
  - {name: a, kind: counter, clk_device: nowhere, trigger: {device: ext}}
`,
		"collision": `
trigger_devices: [{name: ext}, {name: a.outputs}]
modules:
  - {name: a, kind: counter, trigger: {device: ext}}
`,
		"outputs of a module with clk_device": `
trigger_devices: [{name: ext}, {name: other}]
modules:
  - {name: a, kind: counter, clk_device: other, trigger: {device: ext}}
  - {name: b, kind: counter, trigger: {device: a.outputs}}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, rtthread.ErrInvalidConfiguration)
		})
	}
}

func TestSpinRules(t *testing.T) {
	cases := map[string]string{
		"negative":     `trigger_devices: [{name: d, rate: 1000, spin: -1us}]`,
		"not clocked":  `trigger_devices: [{name: d, spin: 10us}]`,
		"whole period": `trigger_devices: [{name: d, rate: 1000, spin: 1ms}]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, rtthread.ErrInvalidConfiguration)
		})
	}
	_, err := Parse([]byte(`trigger_devices: [{name: d, rate: 1000, spin: 999us}]`))
	assert.NoError(t, err)
}

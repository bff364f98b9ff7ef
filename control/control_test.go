package control

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ports/api"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
buffer_count: 16
buffer_size: 512
transports: [shm, socket]
step_timeout: 250ms
`), 0o600))
	t.Setenv("HIOLOAD_LOG_LEVEL", "debug")
	t.Setenv("HIOLOAD_BUFFER_SIZE", "1024")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.BufferCount)
	assert.Equal(t, 1024, cfg.BufferSize, "environment wins over file")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.StepTimeout)
	assert.Equal(t, 4, cfg.DriveWorkers)
	ids, err := cfg.TransportIDs()
	require.NoError(t, err)
	assert.Equal(t, []api.TransportID{api.TransportSharedMemory, api.TransportSocket}, ids)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transports: [carrier-pigeon]\n"), 0o600))
	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := DefaultConfig()
	bad.BufferCount = 0
	assert.ErrorIs(t, bad.Validate(), api.ErrInvalidArgument)
}

func TestConfigStoreSnapshotAndReload(t *testing.T) {
	cs := NewConfigStore()
	calls := 0
	cs.OnReload(func() { calls++ })
	cs.SetConfig(DefaultConfig().Snapshot())
	assert.Equal(t, 1, calls)
	snap := cs.GetSnapshot()
	assert.Equal(t, 4, snap["buffer_count"])
	snap["buffer_count"] = 99
	assert.Equal(t, 4, cs.GetSnapshot()["buffer_count"], "snapshot is a copy")
}

func TestMetricsCount(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	m.BufferPut("out")
	m.BufferPut("out")
	m.BufferReleased("in")
	m.Dropped("discard")
	m.TrafficError(api.ErrCodeInvalidTarget)
	m.NegotiationStep(3)
	m.Connection("inproc")
	m.Occupancy("in", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.put.WithLabelValues("out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.released.WithLabelValues("in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("discard")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("invalid_target")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("3")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.occupancy.WithLabelValues("in")))

	n, err := testutil.GatherAndCount(m.Registry(), "hioload_ports_buffers_put_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.BufferPut("x")
		m.BufferForwarded("x")
		m.Occupancy("x", 1)
		m.TrafficError(api.ErrCodeDoubleForward)
	})
	assert.Nil(t, m.Registry())
}

func TestDebugProbes(t *testing.T) {
	dp := NewDebugProbes()
	RegisterPlatformProbes(dp)
	dp.RegisterProbe("ring.a", func() any { return 7 })
	state := dp.DumpState()
	assert.Equal(t, 7, state["ring.a"])
	assert.Contains(t, state, "platform.cpus")
	dp.UnregisterProbe("ring.a")
	assert.NotContains(t, dp.DumpState(), "ring.a")
}

package benchmark

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func smallConfig() Config {
	return Config{
		Records:      50,
		Branches:     3,
		Workers:      4,
		OpsPerWorker: 25,
		WritePct:     0.4,
		ScanPct:      0.1,
		Seed:         7,
	}
}

func TestComputeStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := ComputeStats(durations)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 51*time.Millisecond, stats.P50)
	assert.Equal(t, 96*time.Millisecond, stats.P95)
	assert.Equal(t, 50500*time.Microsecond, stats.Mean)

	assert.Equal(t, LatencyMetrics{}, ComputeStats(nil))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := smallConfig()
	bad.Workers = 0
	assert.Error(t, bad.Validate())

	bad = smallConfig()
	bad.WritePct, bad.ScanPct = 0.8, 0.4
	assert.Error(t, bad.Validate())
}

func TestRun_EachBackend(t *testing.T) {
	for _, b := range []Backend{SQLiteBackend(zap.NewNop()), BadgerBackend(zap.NewNop())} {
		t.Run(b.Name, func(t *testing.T) {
			store, closeFn, err := b.Open(t.TempDir())
			require.NoError(t, err)
			defer closeFn()

			cfg := smallConfig()
			res, err := Run(context.Background(), b.Name, store, cfg)
			require.NoError(t, err)

			assert.Zero(t, res.ErrorCount)
			assert.Equal(t, cfg.Workers*cfg.OpsPerWorker, res.Throughput.TotalOps)
			assert.Equal(t, res.Throughput.TotalOps, res.Throughput.Reads+res.Throughput.Scans+res.Throughput.Writes)
			assert.Positive(t, res.Throughput.Writes)

			records, err := store.Scan(context.Background(), nil)
			require.NoError(t, err)
			assert.Len(t, records, cfg.Records)
		})
	}
}

func TestCompare(t *testing.T) {
	c, err := Compare(context.Background(), t.TempDir(), smallConfig(),
		SQLiteBackend(zap.NewNop()), BadgerBackend(zap.NewNop()))
	require.NoError(t, err)
	require.Len(t, c.Results, 2)

	for _, metric := range []string{"load", "p50", "p95", "p99", "heap", "throughput"} {
		assert.Contains(t, []string{"sqlite", "badger"}, c.Winners[metric], metric)
	}
	assert.Contains(t, []string{"sqlite", "badger"}, c.Overall())

	var buf bytes.Buffer
	c.Print(&buf)
	assert.Contains(t, buf.String(), "=== Summary ===")
	assert.Contains(t, buf.String(), "Overall:")

	_, err = Compare(context.Background(), t.TempDir(), smallConfig())
	assert.Error(t, err)
}

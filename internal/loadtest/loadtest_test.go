package loadtest

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/authority"
	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/push"
	"github.com/fieldsync/fieldsync/internal/schema"
)

var secret = []byte("loadtest-secret")

func newAuthority(t *testing.T, records int) (*authority.Client, []string) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store := authority.NewStore(database)
	ids := make([]string, records)
	for i := range ids {
		ids[i] = fmt.Sprintf("O%d", i+1)
		_, err := store.Upsert(context.Background(), &schema.Record{ID: ids[i], Version: 3, Status: schema.StatusNew, Branch: "BR001"})
		require.NoError(t, err)
	}

	cfg := authority.DefaultConfig()
	cfg.Verifier = push.NewHMACVerifier(secret, "")
	srv := httptest.NewServer(authority.NewServer(store, cfg).Handler())
	t.Cleanup(srv.Close)

	token, err := push.IssueToken(secret, "", "loadtest", "BR001", time.Hour)
	require.NoError(t, err)
	return authority.NewClient(authority.ClientConfig{
		BaseURL: srv.URL,
		Token:   func() string { return token },
		Timeout: 10 * time.Second,
	}), ids
}

func TestRun_NoLostUpdatesUnderContention(t *testing.T) {
	client, ids := newAuthority(t, 2)

	cfg := DefaultConfig()
	cfg.Devices = 8
	cfg.WritesPerDevice = 5
	cfg.RecordIDs = ids
	cfg.RetryConflicts = false

	report, err := Run(context.Background(), client, cfg)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Errors)
	assert.Equal(t, cfg.Devices*cfg.WritesPerDevice, report.Accepted+report.Conflicts)
	assert.Positive(t, report.Accepted)
	assert.Equal(t, report.Accepted, report.Latency.Count)

	require.NoError(t, Verify(context.Background(), client, report))
}

func TestRun_RetryingConflicts(t *testing.T) {
	client, ids := newAuthority(t, 1)

	cfg := DefaultConfig()
	cfg.Devices = 4
	cfg.WritesPerDevice = 3
	cfg.RecordIDs = ids
	cfg.MaxConflictRetries = 50

	report, err := Run(context.Background(), client, cfg)
	require.NoError(t, err)
	assert.Equal(t, 12, report.Accepted, "with enough retries every write lands")
	require.NoError(t, Verify(context.Background(), client, report))

	var out bytes.Buffer
	report.Print(&out)
	assert.Contains(t, out.String(), "Accepted:      12")
}

func TestVerify_DetectsMismatch(t *testing.T) {
	client, ids := newAuthority(t, 1)
	report := &Report{
		Initial:   map[string]int64{ids[0]: 3},
		PerRecord: map[string]int{ids[0]: 2},
	}
	assert.ErrorContains(t, Verify(context.Background(), client, report), "expected 5")
}

func TestRun_ValidatesConfig(t *testing.T) {
	_, err := Run(context.Background(), nil, Config{})
	assert.Error(t, err)
	_, err = Run(context.Background(), nil, Config{Devices: 1, WritesPerDevice: 1})
	assert.Error(t, err)
}

func TestComputeLatencyStats(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(ds)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 96*time.Millisecond, s.P95)
	assert.Equal(t, 100, s.Count)

	assert.Equal(t, LatencyStats{}, computeLatencyStats(nil))
}

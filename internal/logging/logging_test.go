package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel(" warning "))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("chatty"))
}

func TestNewWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.log")
	l, level := New(Config{Env: "prod", Level: "warn", Service: "fieldsync-test", File: path})

	l.Info("dropped below level")
	l.Warn("kept", RecordID("O1"))
	level.SetLevel(zapcore.DebugLevel)
	l.Debug("kept after reload")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "dropped below level")
	assert.Contains(t, out, `"record_id":"O1"`)
	assert.Contains(t, out, `"service":"fieldsync-test"`)
	assert.Contains(t, out, "kept after reload")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}

package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestDefaultIsNop(t *testing.T) {
	assert.False(t, L().Core().Enabled(zapcore.ErrorLevel))
}

func TestNewLevels(t *testing.T) {
	testCases := []struct {
		level   string
		enabled zapcore.Level
		muted   zapcore.Level
	}{
		{"debug", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"info", zapcore.InfoLevel, zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel, zapcore.InfoLevel},
		{"error", zapcore.ErrorLevel, zapcore.WarnLevel},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			l := New(&Config{Level: tc.level})
			assert.True(t, l.Core().Enabled(tc.enabled))
			assert.False(t, l.Core().Enabled(tc.muted))
		})
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oqdist.log")
	l := New(&Config{Level: "info", Format: "json", Output: "file", FilePath: path, MaxSize: 1})

	l.Info("phase completed", zap.String("phase", "classical"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"phase completed"`)
	assert.Contains(t, string(data), `"phase":"classical"`)
}

func TestInitReplacesGlobal(t *testing.T) {
	prev := L()
	t.Cleanup(func() {
		mu.Lock()
		log = prev
		mu.Unlock()
	})

	Init(&Config{Level: "debug", Output: "file", FilePath: filepath.Join(t.TempDir(), "x.log")})
	assert.True(t, Named("orchestrator").Core().Enabled(zapcore.DebugLevel))
}

package logger

import (
	"os"
	"path/filepath"
	"testing"

	"volatility-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	l := InitLogger(models.LogConfig{Level: "debug", Output: "file", File: path, MaxSize: 1})
	require.NotNil(t, l)
	assert.Same(t, l, L())

	L().Named("bridge").Info("order placed")
	_ = L().Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "order placed")
	assert.Contains(t, string(data), "bridge")
}

func TestInitLogger_BadLevelFallsBackToInfo(t *testing.T) {
	l := InitLogger(models.LogConfig{Level: "loud", Output: "console"})
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.NotNil(t, S())
}

package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-messaging/internal/config"
)

func TestNewWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	log, err := New(config.LoggerConfig{Directory: dir, Level: "debug", Rotation: config.LogRotationConfig{MaxSize: 1}})
	require.NoError(t, err)

	log.Info("hello")
	_ = log.Sync()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "messaging-"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(config.LoggerConfig{Level: "loud"})
	require.Error(t, err)
}

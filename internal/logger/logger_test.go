package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLoggerIsSilent(t *testing.T) {
	var l *Logger
	l.Info("ignored %d", 1)
	l.Debug("ignored")
	assert.NoError(t, l.Close())
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf)
	l.Info("hello %s", "world")
	l.Debug("hidden")
	l.SetDebug(true)
	l.Debug("shown")
	l.Warn("careful")
	l.Error("boom")

	out := buf.String()
	assert.Contains(t, out, "[INFO] hello world")
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[DEBUG] shown")
	assert.Contains(t, out, "[WARN] careful")
	assert.Contains(t, out, "[ERROR] boom")
}

func TestFileLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := New(dir)
	require.NoError(t, err)
	l.Info("persisted")
	require.NoError(t, l.Close())
	l.Info("after close")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "parley-"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "persisted")
	assert.NotContains(t, string(data), "after close")
}

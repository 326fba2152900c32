package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cashpoint/posync/internal/config"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.LogConfig{Level: "info", Format: "json"}, &buf)

	l.Info("sync pass finished", slog.Int("pushed", 3))
	l.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &m))
	assert.Equal(t, "sync pass finished", m["msg"])
	assert.EqualValues(t, 3, m["pushed"])

	assert.Same(t, l.Logger.Handler(), slog.Default().Handler())
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.LogConfig{Level: "warn", Format: "text"}, &buf)

	l.Info("dropped")
	assert.Empty(t, buf.String())

	l.SetLevel("debug")
	assert.Equal(t, slog.LevelDebug, l.Level())
	l.Debug("kept")
	assert.Contains(t, buf.String(), "msg=kept")

	l.SetLevel("nonsense")
	assert.Equal(t, slog.LevelInfo, l.Level())
}

func TestApply(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.LogConfig{Level: "info", Format: "text"}, &buf)

	old := &config.Config{Log: config.LogConfig{Level: "info"}}
	cur := &config.Config{Log: config.LogConfig{Level: "error"}}
	l.Apply(old, cur)
	assert.Equal(t, slog.LevelError, l.Level())

	buf.Reset()
	l.Apply(cur, cur)
	assert.Empty(t, buf.String(), "unchanged level is not reported")
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posd.log")
	var buf bytes.Buffer
	l := New(config.LogConfig{Level: "info", Format: "text", File: path, MaxSizeMB: 1}, &buf)

	l.Info("shift opened", slog.String("store_id", "store-1"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "shift opened")
	assert.Contains(t, buf.String(), "shift opened")
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Info("nothing")
	assert.NoError(t, l.Close())
}

package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("info", "json", &buf).Named("scan").With("scan_id", "abc")

	log.Debug("hidden")
	log.Info("scan finished", "detected", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "scan", entry["logger"])
	assert.Equal(t, "scan finished", entry["msg"])
	assert.Equal(t, "abc", entry["scan_id"])
	assert.EqualValues(t, 3, entry["detected"])
}

func TestSetLevelAffectsChildren(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithOutput("warn", "console", &buf)
	child := root.Named("api")

	child.Info("dropped")
	assert.Empty(t, buf.String())

	require.NoError(t, root.SetLevel("debug"))
	child.Debug("kept")
	assert.Contains(t, buf.String(), "kept")
	assert.Equal(t, "debug", root.Level())
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	log := NewWithOutput("loud", "json", &bytes.Buffer{})
	assert.Equal(t, "info", log.Level())
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() { Nop().With("k", "v").Error("ignored") })
}

func TestNewWithFileWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pgproblems.log")
	log, closeFn := NewWithFile("info", "json", FileConfig{Path: path, MaxSizeMB: 1})
	log.Info("scan finished", "detected", 2)
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"scan finished"`)
}

func TestNewWithFileWithoutPath(t *testing.T) {
	log, closeFn := NewWithFile("debug", "console", FileConfig{})
	assert.Equal(t, "debug", log.Level())
	_ = closeFn()
}

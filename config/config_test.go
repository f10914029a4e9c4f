package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadRunnerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runners.json")
	writeConfig(t, path, `[
		{"tool": "pytest-litf", "name": "backend", "dir": "/src/backend"},
		{"tool": "gotest-litf"}
	]`)

	runners, err := Load(path)
	require.NoError(t, err)
	require.Len(t, runners, 2)

	assert.Equal(t, "backend", runners[0].Name)
	assert.Equal(t, "/src/backend", runners[0].Dir)
	// Name falls back to the tool identifier.
	assert.Equal(t, "gotest-litf", runners[1].Name)
}

func TestLoadRejectsEntryWithoutTool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runners.json")
	writeConfig(t, path, `[{"name": "no tool here"}]`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "has no tool")
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runners.json")
	writeConfig(t, path, `{not json`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runners.json")
	writeConfig(t, path, `[{"tool": "pytest-litf"}]`)

	reloaded := make(chan []Runner, 4)
	w, err := Watch(nil, path, func(runners []Runner) {
		reloaded <- runners
	})
	require.NoError(t, err)
	defer w.Close()

	writeConfig(t, path, `[{"tool": "pytest-litf"}, {"tool": "gotest-litf"}]`)

	select {
	case runners := <-reloaded:
		assert.Len(t, runners, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never reloaded")
	}
}

func TestWatcherKeepsPreviousConfigOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runners.json")
	writeConfig(t, path, `[{"tool": "pytest-litf"}]`)

	reloaded := make(chan []Runner, 4)
	w, err := Watch(nil, path, func(runners []Runner) {
		reloaded <- runners
	})
	require.NoError(t, err)
	defer w.Close()

	// A broken edit must not reach the callback; the next good edit
	// does.
	writeConfig(t, path, `{broken`)
	writeConfig(t, path, `[{"tool": "a"}, {"tool": "b"}, {"tool": "c"}]`)

	select {
	case runners := <-reloaded:
		assert.Len(t, runners, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never recovered from the broken edit")
	}
}

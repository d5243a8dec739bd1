package pool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveExecutable(t *testing.T) {
	t.Run("explicit override wins", func(t *testing.T) {
		t.Setenv("VIRTUAL_ENV", "/somewhere")
		assert.Equal(t, "/opt/python", resolveExecutable(Options{Executable: "/opt/python"}))
	})

	t.Run("virtualenv interpreter when present", func(t *testing.T) {
		venv := t.TempDir()
		py := filepath.Join(venv, "bin", "python")
		require.NoError(t, os.MkdirAll(filepath.Dir(py), 0o755))
		require.NoError(t, os.WriteFile(py, []byte("#!/bin/sh\n"), 0o755))

		t.Setenv("VIRTUAL_ENV", venv)
		assert.Equal(t, py, resolveExecutable(Options{}))
	})

	t.Run("search path fallback", func(t *testing.T) {
		t.Setenv("VIRTUAL_ENV", filepath.Join(t.TempDir(), "missing"))
		assert.Equal(t, "python3", resolveExecutable(Options{}))
	})
}

func TestBuildEnvPythonPath(t *testing.T) {
	base := []string{"HOME=/home/deo", "PYTHONPATH=/existing"}

	env, err := buildEnv(base, Options{Paths: []string{"/rplugin/a", "/rplugin/b"}})
	require.NoError(t, err)
	assert.Equal(t, "/rplugin/a:/rplugin/b:/existing", lookupEnv(env, "PYTHONPATH"))
}

func TestBuildEnvPythonPathDeduplicates(t *testing.T) {
	base := []string{"PYTHONPATH=/existing"}

	env, err := buildEnv(base, Options{Paths: []string{"/a", "/b", "/a"}})
	require.NoError(t, err)
	assert.Equal(t, "/b:/a:/existing", lookupEnv(env, "PYTHONPATH"))
}

func TestBuildEnvServerOptions(t *testing.T) {
	env, err := buildEnv(nil, Options{
		Executable: "/opt/python",
		Paths:      []string{"/a"},
		Env:        map[string]string{"IGNORED": "yes"},
		Extra:      map[string]any{"sources": []any{"buffer"}},
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(lookupEnv(env, envServerOptions)), &got))

	// Only pass-through options travel to the worker; the launcher-consumed
	// ones never do.
	assert.Equal(t, map[string]any{"sources": []any{"buffer"}}, got)
}

func TestBuildEnvEmptyOptions(t *testing.T) {
	env, err := buildEnv(nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "{}", lookupEnv(env, envServerOptions))
}

// The env option is accepted and stored but never merged into the child
// environment. This pins the current behavior; see Options.Env.
func TestBuildEnvOptionNotApplied(t *testing.T) {
	env, err := buildEnv([]string{"HOME=/home/deo"}, Options{
		Env: map[string]string{"DEO_FLAG": "1"},
	})
	require.NoError(t, err)
	assert.Empty(t, lookupEnv(env, "DEO_FLAG"))
}

func TestStopWithoutStart(t *testing.T) {
	w := &Worker{id: 1, log: zerolog.Nop()}
	code, err := w.Stop()
	assert.NoError(t, err)
	assert.Equal(t, -1, code)
}

// Spawns a real subprocess standing in for a worker: a shell script that
// ignores the interpreter arguments and echoes frames back verbatim.
func TestWorkerSpawnEcho(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh")
	}

	script := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec cat\n"), 0o755))

	w := &Worker{
		id: 1,
		opts: Options{
			Module:     "testing.test",
			LogLevel:   20,
			Executable: script,
		},
		log: zerolog.Nop(),
	}
	require.NoError(t, w.Start())

	require.NoError(t, w.stdin.WriteCommand("ping", 1, []any{"x"}))

	v, err := w.stdout.Read()
	require.NoError(t, err)
	assert.Equal(t, []any{"ping", json.Number("1"), []any{"x"}}, v)

	code, err := w.Stop()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestWorkerOwnsStream(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh")
	}

	script := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec cat\n"), 0o755))

	a := &Worker{id: 1, opts: Options{Module: "m", Executable: script}, log: zerolog.Nop()}
	b := &Worker{id: 2, opts: Options{Module: "m", Executable: script}, log: zerolog.Nop()}
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer a.Stop()
	defer b.Stop()

	assert.True(t, a.OwnsStream(a.stdout))
	assert.True(t, a.OwnsStream(a.stderr))
	assert.False(t, a.OwnsStream(b.stdout))
	assert.False(t, b.OwnsStream(a.stderr))
}

func TestSetEnvReplacesInPlace(t *testing.T) {
	env := setEnv([]string{"A=1", "B=2"}, "A", "3")
	assert.Equal(t, []string{"A=3", "B=2"}, env)

	env = setEnv(env, "C", "4")
	assert.True(t, strings.Contains(strings.Join(env, " "), "C=4"))
}

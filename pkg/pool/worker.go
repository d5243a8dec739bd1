package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tweekmonster/deoplete-server/pkg/stream"
)

// envServerOptions carries the worker's JSON-encoded startup options. Its
// absence (or unparseable content) is the signal a launched process uses to
// run its interactive console instead of headless mode.
const envServerOptions = "DEOPLETE_SERVER"

// stopTimeout bounds how long Stop waits before force-terminating.
const stopTimeout = time.Second

// Options configures spawned workers.
type Options struct {
	// Module is the worker entry point, run with the interpreter's -m flag.
	Module string

	// LogLevel is forwarded to the worker's --log-level flag. Levels are
	// the fleet's numeric convention: 10 debug through 50 fatal.
	LogLevel int

	// Executable overrides interpreter resolution. When empty the launcher
	// prefers the active virtualenv's interpreter and falls back to
	// python3 on the search path.
	Executable string

	// Paths are prepended to the child's PYTHONPATH, absolutized and
	// de-duplicated; the caller's entries take priority.
	Paths []string

	// Env lists additional environment variables for the child. The option
	// is accepted and stored but never merged into the spawned
	// environment. TODO: merge Env into the child environment once its
	// precedence against the parent environment is settled.
	Env map[string]string

	// Extra options pass through verbatim to the worker via its startup
	// options variable.
	Extra map[string]any
}

// Worker is one live subprocess: three exclusively-owned stream adapters
// and a busy flag managed under the owning pool's lock.
//
// Workers assume a well-behaved server on the other end: it always reads
// from its input channel and exits when that channel reports closed.
type Worker struct {
	id   int64
	opts Options
	log  zerolog.Logger

	cmd    *exec.Cmd
	stdin  *stream.Writer
	stdout *stream.Reader
	stderr *stream.Reader

	// busy is owned by the pool and guarded by the pool's mutex.
	busy bool

	stopOnce sync.Once
}

// ID returns the worker's pool-monotonic id.
func (w *Worker) ID() int64 { return w.id }

// resolveExecutable picks the interpreter: explicit override first, then
// the active virtualenv's interpreter when discoverable, then python3 from
// the search path.
func resolveExecutable(opts Options) string {
	if opts.Executable != "" {
		return opts.Executable
	}
	if venv := os.Getenv("VIRTUAL_ENV"); venv != "" {
		if p := filepath.Join(venv, "bin", "python"); fileExists(p) {
			return p
		}
	}
	return "python3"
}

// Start launches the subprocess and wires up its three pipes.
func (w *Worker) Start() error {
	exe := resolveExecutable(w.opts)

	cmd := exec.Command(exe, "-u", "-m", w.opts.Module,
		"--log-level", strconv.Itoa(w.opts.LogLevel))
	env, err := buildEnv(os.Environ(), w.opts)
	if err != nil {
		return err
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker %d: %w", w.id, err)
	}

	w.cmd = cmd
	w.stdin = stream.NewWriter(stdin)
	w.stdout = stream.NewReader(stdout)
	w.stderr = stream.NewReader(stderr)
	w.log.Debug().Str("executable", exe).Int("pid", cmd.Process.Pid).Msg("worker started")
	return nil
}

// OwnsStream reports whether r is one of this worker's output streams.
// The relay uses it to attribute a diagnostic frame to its worker.
func (w *Worker) OwnsStream(r *stream.Reader) bool {
	return r == w.stdout || r == w.stderr
}

// Stop closes the worker's input channel so it exits on its own read loop,
// waits up to one second, and force-terminates if it is still alive. A
// process that survives even that is tolerated as leaked. Returns the exit
// code, or -1 if none was observed.
func (w *Worker) Stop() (int, error) {
	code := -1
	var err error
	w.stopOnce.Do(func() {
		code, err = w.stop()
	})
	return code, err
}

func (w *Worker) stop() (int, error) {
	if w.stdin != nil {
		_ = w.stdin.Close()
	}
	if w.cmd == nil || w.cmd.Process == nil {
		return -1, nil
	}

	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		_ = w.cmd.Process.Kill()
		select {
		case <-done:
		case <-time.After(stopTimeout):
			return -1, fmt.Errorf("worker %d did not exit", w.id)
		}
	}

	if st := w.cmd.ProcessState; st != nil {
		return st.ExitCode(), nil
	}
	return -1, nil
}

// buildEnv derives the child environment: the parent's, with PYTHONPATH
// prepends applied and the startup options variable set. Note that
// opts.Env is deliberately left unapplied; see Options.Env.
func buildEnv(base []string, opts Options) ([]string, error) {
	env := slices.Clone(base)

	paths := filepath.SplitList(lookupEnv(env, "PYTHONPATH"))
	for i := len(opts.Paths) - 1; i >= 0; i-- {
		p, err := filepath.Abs(opts.Paths[i])
		if err != nil {
			p = opts.Paths[i]
		}
		if !slices.Contains(paths, p) {
			paths = append([]string{p}, paths...)
		}
	}
	env = setEnv(env, "PYTHONPATH", strings.Join(paths, string(os.PathListSeparator)))

	extra := opts.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("encode worker options: %w", err)
	}
	env = setEnv(env, envServerOptions, string(b))

	return env, nil
}

func lookupEnv(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):]
		}
	}
	return ""
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

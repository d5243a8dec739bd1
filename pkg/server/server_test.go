package server

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tweekmonster/deoplete-server/pkg/stream"
)

// harness runs a server over pipe-backed channels and exposes the
// controller's ends.
type harness struct {
	toWorker   *stream.Writer
	fromWorker *stream.Reader
	done       chan error
}

func newHarness(t *testing.T, configure func(*Server)) *harness {
	t.Helper()

	inR, inW, err := stream.Pipe()
	require.NoError(t, err)
	outR, outW, err := stream.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})

	srv := New(zerolog.Nop())
	if configure != nil {
		configure(srv)
	}

	h := &harness{toWorker: inW, fromWorker: outR, done: make(chan error, 1)}
	go func() {
		h.done <- srv.Run(inR, outW)
	}()
	return h
}

func (h *harness) readReply(t *testing.T) stream.Command {
	t.Helper()
	cmd, err := stream.ReadCommand(h.fromWorker)
	require.NoError(t, err)
	return cmd
}

func TestRunDispatchesToHandler(t *testing.T) {
	h := newHarness(t, func(s *Server) {
		s.Handle("process", func(args []any) (any, error) {
			return "okay", nil
		})
	})

	require.NoError(t, h.toWorker.WriteCommand("process", 1, []any{"deo"}))

	reply := h.readReply(t)
	assert.Equal(t, "response", reply.Name)
	assert.Equal(t, int64(1), reply.ID)
	assert.Equal(t, []any{"okay"}, reply.Args)
}

func TestRunUnknownCommandGetsNoop(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.toWorker.WriteCommand("nonsense", 7, nil))

	reply := h.readReply(t)
	assert.Equal(t, "noop", reply.Name)
	assert.Equal(t, int64(7), reply.ID)
	assert.Empty(t, reply.Args)
}

func TestRunHandlerErrorDoesNotKillLoop(t *testing.T) {
	h := newHarness(t, func(s *Server) {
		s.Handle("boom", func(args []any) (any, error) {
			return nil, errors.New("bad day")
		})
		s.Handle("echo", func(args []any) (any, error) {
			return args, nil
		})
	})

	require.NoError(t, h.toWorker.WriteCommand("boom", 1, nil))
	reply := h.readReply(t)
	assert.Equal(t, "response", reply.Name)
	assert.Equal(t, int64(1), reply.ID)
	assert.Empty(t, reply.Args)

	// The loop is still alive and serving.
	require.NoError(t, h.toWorker.WriteCommand("echo", 2, []any{"still here"}))
	reply = h.readReply(t)
	assert.Equal(t, "response", reply.Name)
	assert.Equal(t, []any{"still here"}, reply.Args)
}

func TestRunHandlerPanicDoesNotKillLoop(t *testing.T) {
	h := newHarness(t, func(s *Server) {
		s.Handle("panic", func(args []any) (any, error) {
			panic("surprise")
		})
		s.Handle("echo", func(args []any) (any, error) {
			return args, nil
		})
	})

	require.NoError(t, h.toWorker.WriteCommand("panic", 1, nil))
	reply := h.readReply(t)
	assert.Equal(t, "response", reply.Name)

	require.NoError(t, h.toWorker.WriteCommand("echo", 2, []any{"ok"}))
	reply = h.readReply(t)
	assert.Equal(t, []any{"ok"}, reply.Args)
}

func TestRunStopsOnStopCommand(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.toWorker.Write("stop"))

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunStopsWhenInputCloses(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.toWorker.Close())

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop on closed input")
	}
}

func TestDispatchDirect(t *testing.T) {
	srv := New(zerolog.Nop())
	srv.Handle("echo", func(args []any) (any, error) {
		return args, nil
	})

	got, err := srv.Dispatch("echo", []any{"hi"})
	require.NoError(t, err)
	assert.Equal(t, []any{"hi"}, got)

	_, err = srv.Dispatch("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestLogWriterFramesEvents(t *testing.T) {
	r, w, err := stream.Pipe()
	require.NoError(t, err)
	defer r.Close()

	logger := zerolog.New(NewLogWriter(w))
	logger.Warn().Msg("cache miss")

	cmd, err := stream.ReadCommand(r)
	require.NoError(t, err)
	assert.Equal(t, "log", cmd.Name)
	assert.Equal(t, stream.IDControl, cmd.ID)
	require.Len(t, cmd.Args, 2)
	assert.Equal(t, json.Number("30"), cmd.Args[0])
	assert.Contains(t, cmd.Args[1], "cache miss")
}

func TestLevelMappingRoundTrip(t *testing.T) {
	for _, l := range []zerolog.Level{
		zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.ErrorLevel,
	} {
		assert.Equal(t, l, LevelFromNo(LevelNo(l)))
	}
	assert.Equal(t, 50, LevelNo(zerolog.FatalLevel))
}

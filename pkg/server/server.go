// Package server implements the worker side of the pool protocol: a
// name-indexed dispatch loop over the framed input/output channels, plus a
// log writer that frames diagnostics for the controller's relay.
package server

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tweekmonster/deoplete-server/pkg/stream"
)

// ErrUnknownCommand reports a direct dispatch for a name with no handler.
var ErrUnknownCommand = errors.New("server: unknown command")

// HandlerFunc processes one command's arguments and returns its result.
type HandlerFunc func(args []any) (any, error)

// Server dispatches incoming commands to registered handlers. A
// well-behaved worker always reads from its input channel and exits when
// that channel closes, which is exactly what Run does.
type Server struct {
	log      zerolog.Logger
	handlers map[string]HandlerFunc
}

// New creates a server logging through log.
func New(log zerolog.Logger) *Server {
	return &Server{
		log:      log,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers fn for the given command name.
func (s *Server) Handle(name string, fn HandlerFunc) {
	s.handlers[name] = fn
}

// SetLogger replaces the server's logger. Useful when the destination is
// only known after construction, as with the framed diagnostic channel.
func (s *Server) SetLogger(log zerolog.Logger) {
	s.log = log
}

// Dispatch runs the handler for name directly, outside the framed loop.
// The interactive console uses it.
func (s *Server) Dispatch(name string, args []any) (any, error) {
	fn, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return s.dispatch(fn, stream.Command{Name: name, Args: args})
}

// Run consumes commands from in until the channel closes, a stop command
// arrives, or a reply fails to write. Every command gets exactly one
// reply: a response when a handler ran, a noop when no handler exists.
// Handler failures are logged and answered with a nil response so one bad
// command never kills the worker.
func (s *Server) Run(in *stream.Reader, out *stream.Writer) error {
	s.log.Debug().Msg("worker loop started")

	for cmd := range stream.IterMsg(in) {
		if cmd.Name == "stop" {
			break
		}

		fn, ok := s.handlers[cmd.Name]
		if !ok {
			s.log.Warn().Str("name", cmd.Name).Int64("id", cmd.ID).Msg("unknown command")
			if err := out.WriteCommand("noop", cmd.ID, nil); err != nil {
				return err
			}
			continue
		}

		result, err := s.dispatch(fn, cmd)
		if err != nil {
			s.log.Error().Err(err).Str("name", cmd.Name).Int64("id", cmd.ID).Msg("command failed")
			result = nil
		}
		if err := out.WriteCommand("response", cmd.ID, toArgs(result)); err != nil {
			return err
		}
	}

	s.log.Info().Msg("worker loop stopped")
	return nil
}

// dispatch runs one handler, converting panics into errors so the loop
// survives them.
func (s *Server) dispatch(fn HandlerFunc, cmd stream.Command) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return fn(cmd.Args)
}

func toArgs(v any) []any {
	switch r := v.(type) {
	case nil:
		return nil
	case []any:
		return r
	default:
		return []any{v}
	}
}

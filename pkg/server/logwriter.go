package server

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/tweekmonster/deoplete-server/pkg/stream"
)

// LogWriter frames log events on a worker's diagnostic channel so the
// controller's relay can re-emit them: each event becomes a
// ["log", -1, [levelno, message]] frame. It is a zerolog.LevelWriter; a
// plain line writer is not used because raw newlines would corrupt the
// framing.
type LogWriter struct {
	w *stream.Writer
}

// NewLogWriter wraps the worker's diagnostic channel writer.
func NewLogWriter(w *stream.Writer) *LogWriter {
	return &LogWriter{w: w}
}

func (lw *LogWriter) Write(p []byte) (int, error) {
	return lw.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (lw *LogWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	err := lw.w.Write([]any{"log", stream.IDControl, []any{LevelNo(level), msg}})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// LevelNo converts a zerolog level to the fleet's numeric convention
// (10 debug through 50 fatal).
func LevelNo(level zerolog.Level) int {
	switch level {
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return 50
	case zerolog.ErrorLevel:
		return 40
	case zerolog.WarnLevel:
		return 30
	case zerolog.InfoLevel:
		return 20
	default:
		return 10
	}
}

// LevelFromNo converts a numeric level to zerolog's, used when a worker
// binary receives its --log-level flag.
func LevelFromNo(n int) zerolog.Level {
	switch {
	case n >= 50:
		return zerolog.FatalLevel
	case n >= 40:
		return zerolog.ErrorLevel
	case n >= 30:
		return zerolog.WarnLevel
	case n >= 20:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

package stream

import (
	"encoding/json"
	"iter"
)

// Reserved command ids. Positive ids are allocated by the controller;
// negative ids describe how the payload was shaped by the sender. There is
// no id for a closed channel: closure surfaces as ErrClosed, not as a
// command.
const (
	// IDControl marks an explicit null payload, a control signal with
	// nothing to report. Log events also travel with this id.
	IDControl int64 = -1

	// IDBareName marks a payload that was a bare string, treated as a
	// zero-argument command.
	IDBareName int64 = -3

	// IDNoID marks a 2-element sequence, a command whose sender supplied
	// no id.
	IDNoID int64 = -4

	// IDUnparseable marks a sequence of unrecognized arity. The raw
	// elements are kept as args for diagnostics.
	IDUnparseable int64 = -5

	// IDInvalid marks a payload that was not a sequence at all. The raw
	// value is kept as the sole arg.
	IDInvalid int64 = -6
)

// Command is one decoded message: a name, a correlation id, and opaque
// arguments.
type Command struct {
	Name string
	ID   int64
	Args []any
}

// ParseCommand normalizes any decoded payload into a Command. It never
// fails: unrecognized shapes degrade to the unparseable forms, carrying the
// raw payload so it can be logged.
func ParseCommand(v any) Command {
	switch data := v.(type) {
	case nil:
		return Command{ID: IDControl}
	case string:
		return Command{Name: data, ID: IDBareName}
	case []any:
		switch len(data) {
		case 2:
			name, ok := data[0].(string)
			if !ok {
				return Command{ID: IDUnparseable, Args: data}
			}
			return Command{Name: name, ID: IDNoID, Args: toArgs(data[1])}
		case 3:
			name, ok := data[0].(string)
			if !ok {
				return Command{ID: IDUnparseable, Args: data}
			}
			id, ok := toID(data[1])
			if !ok {
				return Command{ID: IDUnparseable, Args: data}
			}
			return Command{Name: name, ID: id, Args: toArgs(data[2])}
		default:
			return Command{ID: IDUnparseable, Args: data}
		}
	default:
		return Command{ID: IDInvalid, Args: []any{v}}
	}
}

// ReadCommand reads one frame from r and normalizes it. The only error it
// returns is ErrClosed.
func ReadCommand(r *Reader) (Command, error) {
	v, err := r.Read()
	if err != nil {
		return Command{}, err
	}
	return ParseCommand(v), nil
}

// IterMsg yields commands from r until the channel closes. The sequence is
// blocking, non-restartable, and stops without yielding once a read returns
// ErrClosed. This is the worker-side receive loop.
func IterMsg(r *Reader) iter.Seq[Command] {
	return func(yield func(Command) bool) {
		for {
			cmd, err := ReadCommand(r)
			if err != nil {
				return
			}
			if !yield(cmd) {
				return
			}
		}
	}
}

func toArgs(v any) []any {
	switch args := v.(type) {
	case nil:
		return nil
	case []any:
		return args
	default:
		return []any{v}
	}
}

func toID(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		id, err := n.Int64()
		return id, err == nil
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

package stream

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned once a channel has observed a short read, a broken
// pipe, or an explicit Close. It is a terminal state: every subsequent Read
// or Write keeps returning ErrClosed without touching the underlying stream.
var ErrClosed = errors.New("stream: channel closed")

// MaxFrameSize bounds the payload length accepted from a peer. A header
// announcing more than this closes the channel, since it almost certainly
// means the two sides have lost framing sync.
const MaxFrameSize = 64 << 20

// Encode serializes a value into a frame payload.
//
// The payload encoding is JSON. It is a scheme private to the two
// communicating ends of one running pair and is not a stability guarantee;
// it only has to be symmetric between Encode and Decode.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("stream: encode: %w", err)
	}
	return b, nil
}

// Decode deserializes a frame payload. Numbers decode as json.Number so
// command ids survive a round trip intact.
func Decode(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("stream: decode: %w", err)
	}
	return v, nil
}

// Reader is the receiving side of a frame channel. It adapts any byte
// stream source, OS pipes and in-memory test pipes alike.
//
// Read is single-consumer; Closed may be queried from any goroutine.
type Reader struct {
	src    io.Reader
	closed atomic.Bool
}

// NewReader wraps src in a frame channel reader.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Closed reports whether the channel has been marked closed.
func (r *Reader) Closed() bool {
	return r.closed.Load()
}

// Fd returns the OS handle of the underlying stream, if it has one.
// Kernel-backed pollers need it; in-memory streams report false.
func (r *Reader) Fd() (uintptr, bool) {
	if f, ok := r.src.(interface{ Fd() uintptr }); ok {
		return f.Fd(), true
	}
	return 0, false
}

// Read reads exactly one frame and returns its decoded payload.
//
// A short read on either the header or the payload permanently marks the
// channel closed and returns ErrClosed; so does every call after that. A
// payload that fails to decode does not close the channel: the raw bytes
// are returned so the caller can surface them in diagnostics.
func (r *Reader) Read() (any, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		r.closed.Store(true)
		return nil, ErrClosed
	}

	length := binary.LittleEndian.Uint32(hdr[:])
	if length > MaxFrameSize {
		r.closed.Store(true)
		return nil, ErrClosed
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.src, payload); err != nil {
		r.closed.Store(true)
		return nil, ErrClosed
	}

	v, err := Decode(payload)
	if err != nil {
		return payload, nil
	}
	return v, nil
}

// Close marks the channel closed and closes the underlying stream if it
// supports closing.
func (r *Reader) Close() error {
	r.closed.Store(true)
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Writer is the sending side of a frame channel.
type Writer struct {
	mu     sync.Mutex
	dst    io.Writer
	closed atomic.Bool
}

// NewWriter wraps dst in a frame channel writer.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// Closed reports whether the channel has been marked closed.
func (w *Writer) Closed() bool {
	return w.closed.Load()
}

// Write encodes v and writes the length header and payload as a single
// write, flushing if the sink supports it. A write against a gone peer
// marks the channel closed and returns ErrClosed; it never panics. An
// unencodable value is a caller bug and is reported without closing the
// channel.
func (w *Writer) Write(v any) error {
	if w.closed.Load() {
		return ErrClosed
	}

	payload, err := Encode(v)
	if err != nil {
		return err
	}

	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.dst.Write(frame); err != nil {
		w.closed.Store(true)
		return ErrClosed
	}
	if f, ok := w.dst.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			w.closed.Store(true)
			return ErrClosed
		}
	}
	return nil
}

// WriteCommand frames a command as the 3-element sequence the peer's
// command parser recognizes.
func (w *Writer) WriteCommand(name string, id int64, args []any) error {
	return w.Write([]any{name, id, args})
}

// Close marks the channel closed and closes the underlying stream if it
// supports closing. Closing a worker's input channel is how the pool asks
// the worker to exit.
func (w *Writer) Close() error {
	w.closed.Store(true)
	if c, ok := w.dst.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

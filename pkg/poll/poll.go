// Package poll reports which registered frame channels have data to read.
//
// Three interchangeable strategies exist: epoll on Linux, kqueue on the
// BSDs and macOS, and a goroutine-per-stream fallback for everything else
// (including streams without an OS descriptor, such as in-memory pipes).
// New probes for the best strategy once at startup; the chosen strategy
// never changes per call.
package poll

import (
	"errors"
	"time"

	"github.com/tweekmonster/deoplete-server/pkg/stream"
)

// Forever blocks a Poll call until at least one stream becomes ready.
const Forever = time.Duration(-1)

// ErrNoDescriptor is returned by kernel-backed pollers when a registered
// stream has no OS handle to watch.
var ErrNoDescriptor = errors.New("poll: stream has no file descriptor")

// ErrNotReady is returned by Ready.Read when no frame is buffered. It only
// occurs if Read is called on a stream the poller has not reported ready.
var ErrNotReady = errors.New("poll: no frame ready")

// Ready is one stream reported ready by a Poll call. Read delivers a frame
// without blocking: the threaded strategy hands back the frame its watcher
// already buffered, kernel strategies delegate to the reader directly since
// the kernel vouched for readiness.
type Ready interface {
	Read() (any, error)
	Reader() *stream.Reader
}

// Poller watches a registered set of frame channel readers.
//
// A stream observed closed is pruned on the next Poll and never yielded
// again. Poll returns the ready subset after blocking for at most the given
// timeout; a zero timeout makes it a non-blocking check and Forever blocks
// until something is ready.
type Poller interface {
	Register(r *stream.Reader) error
	Poll(timeout time.Duration) ([]Ready, error)
	CanPoll() bool
	Close() error
}

// New selects the most capable strategy available on this platform, falling
// back to the threaded poller when no kernel facility exists.
func New() Poller {
	if p, err := newKernelPoller(); err == nil {
		return p
	}
	return NewThreaded()
}

// readyReader adapts a plain reader whose readiness a kernel poller has
// already established.
type readyReader struct {
	r *stream.Reader
}

func (x readyReader) Read() (any, error)     { return x.r.Read() }
func (x readyReader) Reader() *stream.Reader { return x.r }

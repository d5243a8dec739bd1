package poll

import (
	"errors"
	"sync"
	"time"

	"github.com/tweekmonster/deoplete-server/pkg/stream"
)

type frameResult struct {
	v   any
	err error
}

// threadReader owns the background goroutine that performs blocking frame
// reads on behalf of the threaded poller. Each read lands in a bounded
// single-slot channel; the goroutine parks until the slot is consumed and
// exits permanently once a read reports the channel closed.
type threadReader struct {
	r    *stream.Reader
	slot chan frameResult
}

// Read hands back the buffered frame without blocking.
func (t *threadReader) Read() (any, error) {
	select {
	case res := <-t.slot:
		return res.v, res.err
	default:
		return nil, ErrNotReady
	}
}

func (t *threadReader) Reader() *stream.Reader { return t.r }

func (t *threadReader) ready() bool { return len(t.slot) > 0 }

// done reports whether the stream can be pruned. A closed stream still
// holding an undelivered result is not done: the closure must be observed
// by the consumer once.
func (t *threadReader) done() bool {
	return t.r.Closed() && len(t.slot) == 0
}

func (t *threadReader) watch(wake chan<- struct{}) {
	for {
		v, err := t.r.Read()
		t.slot <- frameResult{v: v, err: err}
		select {
		case wake <- struct{}{}:
		default:
		}
		if err != nil {
			return
		}
	}
}

// threadedPoller emulates readiness notification with one reader goroutine
// per registered stream. Slower than the kernel strategies once many
// streams pile up, but it works anywhere, including on streams that have no
// OS descriptor at all.
type threadedPoller struct {
	mu      sync.Mutex
	closed  bool
	streams map[*stream.Reader]*threadReader
	wake    chan struct{}
}

// NewThreaded returns the goroutine-per-stream fallback poller.
func NewThreaded() Poller {
	return &threadedPoller{
		streams: make(map[*stream.Reader]*threadReader),
		wake:    make(chan struct{}, 1),
	}
}

func (p *threadedPoller) Register(r *stream.Reader) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("poll: poller closed")
	}
	t := &threadReader{r: r, slot: make(chan frameResult, 1)}
	p.streams[r] = t
	go t.watch(p.wake)
	return nil
}

func (p *threadedPoller) CanPoll() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams) > 0
}

func (p *threadedPoller) Poll(timeout time.Duration) ([]Ready, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		p.mu.Lock()
		for r, t := range p.streams {
			if t.done() {
				delete(p.streams, r)
			}
		}
		var ready []Ready
		for _, t := range p.streams {
			if t.ready() {
				ready = append(ready, t)
			}
		}
		remaining := len(p.streams)
		p.mu.Unlock()

		if len(ready) > 0 || remaining == 0 {
			return ready, nil
		}

		if timeout >= 0 {
			wait := time.Until(deadline)
			if wait <= 0 {
				return nil, nil
			}
			select {
			case <-p.wake:
			case <-time.After(wait):
			}
		} else {
			<-p.wake
		}
	}
}

// Close drops the registered set. Watcher goroutines blocked in a read
// cannot be interrupted; they exit once their stream closes.
func (p *threadedPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.streams = make(map[*stream.Reader]*threadReader)
	return nil
}

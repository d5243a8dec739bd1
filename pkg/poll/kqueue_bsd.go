//go:build darwin || freebsd || netbsd || openbsd

package poll

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tweekmonster/deoplete-server/pkg/stream"
)

// kqueuePoller provides the same contract as the epoll strategy through the
// BSD event-queue API.
type kqueuePoller struct {
	mu      sync.Mutex
	kq      int
	streams map[int]*stream.Reader
}

func newKernelPoller() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("poll: kqueue: %w", err)
	}
	return &kqueuePoller{
		kq:      kq,
		streams: make(map[int]*stream.Reader),
	}, nil
}

func (p *kqueuePoller) Register(r *stream.Reader) error {
	fd, ok := r.Fd()
	if !ok {
		return ErrNoDescriptor
	}

	var kev unix.Kevent_t
	unix.SetKevent(&kev, int(fd), unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		return fmt.Errorf("poll: kevent add: %w", err)
	}

	p.mu.Lock()
	p.streams[int(fd)] = r
	p.mu.Unlock()
	return nil
}

func (p *kqueuePoller) CanPoll() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams) > 0
}

func (p *kqueuePoller) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for fd, r := range p.streams {
		if r.Closed() {
			var kev unix.Kevent_t
			unix.SetKevent(&kev, fd, unix.EVFILT_READ, unix.EV_DELETE)
			_, _ = unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil)
			delete(p.streams, fd)
		}
	}
}

func (p *kqueuePoller) Poll(timeout time.Duration) ([]Ready, error) {
	p.cleanup()

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	events := make([]unix.Kevent_t, 16)
	var n int
	for {
		var err error
		n, err = unix.Kevent(p.kq, nil, events, ts)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: kevent wait: %w", err)
		}
		break
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ready := make([]Ready, 0, n)
	for _, ev := range events[:n] {
		if r, ok := p.streams[int(ev.Ident)]; ok {
			ready = append(ready, readyReader{r})
		}
	}
	return ready, nil
}

func (p *kqueuePoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = nil
	return unix.Close(p.kq)
}

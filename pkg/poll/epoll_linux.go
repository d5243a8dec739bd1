//go:build linux

package poll

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tweekmonster/deoplete-server/pkg/stream"
)

// epollPoller retrieves the ready set with a single EpollWait call. Cost is
// proportional to the ready count, which makes it the preferred strategy
// when many workers are registered.
type epollPoller struct {
	mu      sync.Mutex
	epfd    int
	streams map[int32]*stream.Reader
}

func newKernelPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poll: epoll_create1: %w", err)
	}
	return &epollPoller{
		epfd:    epfd,
		streams: make(map[int32]*stream.Reader),
	}, nil
}

func (p *epollPoller) Register(r *stream.Reader) error {
	fd, ok := r.Fd()
	if !ok {
		return ErrNoDescriptor
	}

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLPRI,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return fmt.Errorf("poll: epoll_ctl add: %w", err)
	}

	p.mu.Lock()
	p.streams[int32(fd)] = r
	p.mu.Unlock()
	return nil
}

func (p *epollPoller) CanPoll() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams) > 0
}

// cleanup deregisters streams whose reader has observed closure since the
// last poll.
func (p *epollPoller) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for fd, r := range p.streams {
		if r.Closed() {
			_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
			delete(p.streams, fd)
		}
	}
}

func (p *epollPoller) Poll(timeout time.Duration) ([]Ready, error) {
	p.cleanup()

	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
		if msec == 0 && timeout > 0 {
			// A sub-millisecond timeout must still block; rounding down
			// would turn it into a non-blocking check.
			msec = 1
		}
	}

	events := make([]unix.EpollEvent, 16)
	var n int
	for {
		var err error
		n, err = unix.EpollWait(p.epfd, events, msec)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: epoll_wait: %w", err)
		}
		break
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ready := make([]Ready, 0, n)
	for _, ev := range events[:n] {
		if r, ok := p.streams[ev.Fd]; ok {
			ready = append(ready, readyReader{r})
		}
	}
	return ready, nil
}

func (p *epollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = nil
	return unix.Close(p.epfd)
}

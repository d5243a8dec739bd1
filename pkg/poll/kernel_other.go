//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package poll

import "errors"

func newKernelPoller() (Poller, error) {
	return nil, errors.New("poll: no kernel event facility on this platform")
}

//go:build unix

package stream

import "golang.org/x/sys/unix"

// unixWaiter blocks on a single fd via poll(2), backing Drain's blocking
// wait on the stream's poll descriptor.
type unixWaiter struct{}

func (unixWaiter) Wait(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

//go:build linux || darwin

package peerhub

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// peerClosed performs a zero-timeout readability poll on conn. A socket that reports
// itself readable while holding zero available bytes has been closed or reset by the peer.
func peerClosed(conn syscall.Conn) (bool, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return false, errors.Wrap(err, "liveness probe")
	}

	var closed bool
	var probeErr error
	err = raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 0)
		if err != nil {
			if err != unix.EINTR {
				probeErr = err
			}
			return
		}
		if n == 0 {
			return
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			closed = true
			return
		}

		available, err := unix.IoctlGetInt(int(fd), unix.TIOCINQ)
		if err != nil {
			probeErr = err
			return
		}
		closed = available == 0
	})
	if err != nil {
		return false, errors.Wrap(err, "liveness probe")
	}
	if probeErr != nil {
		return false, errors.Wrap(probeErr, "liveness probe")
	}
	return closed, nil
}

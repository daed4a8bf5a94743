//go:build !linux && !darwin

package peerhub

import "syscall"

// peerClosed is not supported on this platform; monitoring relies on TCP keep-alive alone.
func peerClosed(syscall.Conn) (bool, error) {
	return false, nil
}

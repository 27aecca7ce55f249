//go:build unix && !linux

package fsutil

import "golang.org/x/sys/unix"

func syncData(fd int) error {
	return unix.Fsync(fd)
}

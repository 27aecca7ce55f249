//go:build unix

package fsutil

import "golang.org/x/sys/unix"

func freeMB(dir string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	// Bavail is free blocks available to unprivileged users
	return int64(uint64(stat.Bavail) * uint64(stat.Bsize) >> 20), nil
}

// Package fsutil wraps the filesystem syscalls used by the recorder.
package fsutil

import (
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// UnknownFreeMB is reported when free space cannot be determined, so that a
// failing statfs never forces a file rotation on its own.
const UnknownFreeMB = 2047

// FreeMB returns the megabytes available to unprivileged users on the
// filesystem holding path.
func FreeMB(path string) int64 {
	dir := filepath.Dir(path)
	mb, err := freeMB(dir)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FreeMB",
			"dir":      dir,
			"error":    err.Error(),
		}).Warn("Failed to get filesystem stats, assuming enough space")
		return UnknownFreeMB
	}
	return mb
}

// SyncData flushes the file data of fd to disk.
func SyncData(fd int) error {
	if fd < 0 {
		return nil
	}
	return syncData(fd)
}

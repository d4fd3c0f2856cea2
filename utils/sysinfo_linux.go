//go:build linux

package utils

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func getTotalMemory() int64 {
	info := unix.Sysinfo_t{}
	err := unix.Sysinfo(&info)
	if err != nil {
		log.WithError(err).Debug("failed to read sysinfo")
		return UnknownSize
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}

	total := uint64(info.Totalram) * unit
	if total == 0 || total > uint64(UnknownSize) {
		return UnknownSize
	}
	return int64(total)
}

func getFreeDiskSpace(path string) int64 {
	stat := unix.Statfs_t{}
	err := unix.Statfs(path, &stat)
	if err != nil {
		log.WithError(err).Debugf("failed to statfs %s", path)
		return UnknownSize
	}

	free := uint64(stat.Bavail) * uint64(stat.Bsize)
	if free > uint64(UnknownSize) {
		return UnknownSize
	}
	return int64(free)
}

//go:build !linux

package utils

func getTotalMemory() int64 {
	return UnknownSize
}

func getFreeDiskSpace(path string) int64 {
	return UnknownSize
}

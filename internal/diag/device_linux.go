//go:build linux

package diag

import (
	"os"

	"golang.org/x/sys/unix"
)

const (
	diagIoctlSwitchLogging = 7
	memoryDeviceMode       = 2
)

func enableLogging(f *os.File) error {
	return unix.IoctlSetInt(int(f.Fd()), diagIoctlSwitchLogging, memoryDeviceMode)
}

//go:build !linux

package diag

import (
	"errors"
	"os"
)

func enableLogging(_ *os.File) error {
	return errors.New("diag devices are only supported on linux")
}

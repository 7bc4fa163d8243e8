package diag

import (
	"fmt"
	"os"

	"EnigmaNetz/Enigma-Cell-Sensor/internal/logger"
)

// Device is a frame source backed by the diag character device, or by a
// regular file holding a container dump when replaying.
type Device struct {
	f      *os.File
	reader *Reader
	replay bool
}

// OpenDevice opens path. A character device is switched into memory-device
// logging mode; a regular file is replayed as-is.
func OpenDevice(path string) (*Device, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat diag device: %w", err)
	}

	if info.Mode()&os.ModeCharDevice == 0 {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open replay file: %w", err)
		}
		logger.GetLogger().Info("[diag] Replaying containers from %s", path)
		return &Device{f: f, reader: NewReader(f), replay: true}, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open diag device: %w", err)
	}
	if err := enableLogging(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to enable diag logging: %w", err)
	}
	logger.GetLogger().Info("[diag] Opened diag device %s", path)
	return &Device{f: f, reader: newReaderSize(f, BufferSize)}, nil
}

// Next blocks until the next container is read.
func (d *Device) Next() (Frame, error) {
	return d.reader.Next()
}

// Replay reports whether the device is a replayed file.
func (d *Device) Replay() bool {
	return d.replay
}

// Close closes the underlying file. A pending Next on a replay file
// returns; on the character device it may block until the driver delivers.
func (d *Device) Close() error {
	return d.f.Close()
}

// Package capture runs the loop that records diag frames into the store
// and reacts to operator control messages.
package capture

import (
	"fmt"
	"io"
)

// File is the capture file handle handed out by the store.
type File interface {
	io.WriteCloser
	Sync() error
}

// Writer appends frame payloads to one entry's capture file and counts the
// bytes written.
type Writer struct {
	file  File
	total int64
}

func NewWriter(file File) *Writer {
	return &Writer{file: file}
}

// Write appends p. TotalWritten includes any partial write.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.total += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write capture: %w", err)
	}
	return n, nil
}

// TotalWritten returns the number of bytes appended so far.
func (w *Writer) TotalWritten() int64 {
	return w.total
}

// Close syncs and closes the file.
func (w *Writer) Close() error {
	syncErr := w.file.Sync()
	if err := w.file.Close(); err != nil {
		return err
	}
	return syncErr
}

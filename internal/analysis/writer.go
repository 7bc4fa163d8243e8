package analysis

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"EnigmaNetz/Enigma-Cell-Sensor/internal/diag"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/version"
)

// ErrWriterClosed is returned when a Writer is used after Close.
var ErrWriterClosed = errors.New("analysis writer closed")

// maxLineSize bounds a single line when reading an analysis file back.
const maxLineSize = 1024 * 1024

// Metadata is the first line of every analysis file.
type Metadata struct {
	Analyzers []AnalyzerInfo `json:"analyzers"`
	Version   string         `json:"version"`
	Created   time.Time      `json:"created"`
}

// Record is one finding line of an analysis file.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Analyzer  string    `json:"analyzer"`
	EventType EventType `json:"event_type"`
	Message   string    `json:"message"`
}

// Warning reports whether the record is warning level.
func (r Record) Warning() bool {
	return r.EventType != Informational
}

type syncer interface {
	Sync() error
}

// Writer appends findings for one entry to its analysis file. It is owned
// by a single goroutine.
type Writer struct {
	file    io.WriteCloser
	buf     *bufio.Writer
	enc     *json.Encoder
	harness *Harness
	closed  bool
}

// NewWriter writes the metadata header to file and returns a Writer that
// owns it.
func NewWriter(file io.WriteCloser, harness *Harness) (*Writer, error) {
	buf := bufio.NewWriter(file)
	w := &Writer{
		file:    file,
		buf:     buf,
		enc:     json.NewEncoder(buf),
		harness: harness,
	}
	header := Metadata{
		Analyzers: harness.Analyzers(),
		Version:   version.Version,
		Created:   time.Now().UTC(),
	}
	if err := w.enc.Encode(header); err != nil {
		return nil, fmt.Errorf("failed to write analysis header: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write analysis header: %w", err)
	}
	return w, nil
}

// Analyze runs the harness over frame, appends one record per finding and
// reports whether any finding was a warning. Records are flushed before it
// returns so live readers see them.
func (w *Writer) Analyze(frame diag.Frame) (bool, error) {
	if w.closed {
		return false, ErrWriterClosed
	}
	findings := w.harness.Analyze(frame)
	if len(findings) == 0 {
		return false, nil
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	warning := false
	for _, f := range findings {
		rec := Record{
			Timestamp: ts.UTC(),
			Analyzer:  f.Analyzer,
			EventType: f.Type,
			Message:   f.Message,
		}
		if err := w.enc.Encode(rec); err != nil {
			return warning, fmt.Errorf("failed to write analysis record: %w", err)
		}
		warning = warning || f.Warning()
	}
	if err := w.buf.Flush(); err != nil {
		return warning, fmt.Errorf("failed to flush analysis records: %w", err)
	}
	return warning, nil
}

// Close flushes and closes the file. A second Close returns ErrWriterClosed.
func (w *Writer) Close() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true

	err := w.buf.Flush()
	if s, ok := w.file.(syncer); ok && err == nil {
		err = s.Sync()
	}
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// CountWarnings reads an analysis file and counts its warning records. The
// metadata header is skipped.
func CountWarnings(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	warnings := 0
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if first {
			first = false
			continue
		}
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return warnings, fmt.Errorf("malformed analysis record: %w", err)
		}
		if rec.Warning() {
			warnings++
		}
	}
	return warnings, scanner.Err()
}

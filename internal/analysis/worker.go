package analysis

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"EnigmaNetz/Enigma-Cell-Sensor/internal/diag"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/logger"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/store"
)

// ErrQueueFull is returned when the worker queue cannot take another job.
var ErrQueueFull = errors.New("analysis queue full")

// maxFinished bounds the finished list reported by Status.
const maxFinished = 64

// EntryStore is the subset of the recording store the worker needs.
type EntryStore interface {
	EntryForName(name string) (store.Entry, bool)
	OpenEntryAnalysis(name string) (*os.File, error)
	OpenEntryCapture(name string) (*os.File, store.Entry, error)
	CreateTemp(pattern string) (*os.File, error)
	ReplaceEntryAnalysis(name, tmpPath string) error
	SetEntryWarnings(name string, warnings int) error
}

type jobKind int

const (
	recordingFinished jobKind = iota
	analyzeEntry
)

type job struct {
	kind jobKind
	name string
}

// Status is a snapshot of the worker's queue.
type Status struct {
	Queued   []string `json:"queued"`
	Running  string   `json:"running,omitempty"`
	Finished []string `json:"finished"`
}

// Worker finalizes entries after capture stops and re-runs analysis over
// closed entries on request. Jobs run one at a time in arrival order.
type Worker struct {
	store   EntryStore
	harness *Harness
	queue   chan job
	log     *logger.Logger

	mu       sync.Mutex
	queued   []string
	running  string
	finished []string
}

// NewWorker creates a worker with a queue of queueSize jobs.
func NewWorker(st EntryStore, harness *Harness, queueSize int) *Worker {
	return &Worker{
		store:    st,
		harness:  harness,
		queue:    make(chan job, queueSize),
		log:      logger.GetLogger(),
		queued:   []string{},
		finished: []string{},
	}
}

// RecordingFinished queues finalization of an entry whose capture just
// stopped. It never blocks; a full queue returns ErrQueueFull.
func (w *Worker) RecordingFinished(name string) error {
	select {
	case w.queue <- job{kind: recordingFinished, name: name}:
		return nil
	default:
		return fmt.Errorf("%w: finalization of %s dropped", ErrQueueFull, name)
	}
}

// AnalyzeEntry queues a closed entry for re-analysis. It fails with
// store.ErrNoSuchEntry, store.ErrEntryIsCurrent or ErrQueueFull. An entry
// that is already queued is not queued twice.
func (w *Worker) AnalyzeEntry(name string) error {
	entry, ok := w.store.EntryForName(name)
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNoSuchEntry, name)
	}
	if entry.Current() {
		return fmt.Errorf("%w: %s", store.ErrEntryIsCurrent, name)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if slices.Contains(w.queued, name) {
		return nil
	}
	select {
	case w.queue <- job{kind: analyzeEntry, name: name}:
		w.queued = append(w.queued, name)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, name)
	}
}

// Status returns a copy of the queue state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Queued:   slices.Clone(w.queued),
		Running:  w.running,
		Finished: slices.Clone(w.finished),
	}
}

// Run processes jobs until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("[analysis] Worker started with %d analyzers", len(w.harness.Analyzers()))
	for {
		select {
		case <-ctx.Done():
			w.log.Info("[analysis] Worker stopped")
			return
		case j := <-w.queue:
			w.process(ctx, j)
		}
	}
}

func (w *Worker) process(ctx context.Context, j job) {
	switch j.kind {
	case recordingFinished:
		if err := w.finalize(j.name); err != nil {
			w.log.Warn("[analysis] Failed to finalize %s: %v", j.name, err)
		}
	case analyzeEntry:
		w.setRunning(j.name)
		err := w.reanalyze(ctx, j.name)
		w.setFinished(j.name)
		if err != nil {
			w.log.Error("[analysis] Re-analysis of %s failed: %v", j.name, err)
		}
	}
}

func (w *Worker) setRunning(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i := slices.Index(w.queued, name); i >= 0 {
		w.queued = slices.Delete(w.queued, i, i+1)
	}
	w.running = name
}

func (w *Worker) setFinished(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = ""
	if i := slices.Index(w.finished, name); i >= 0 {
		w.finished = slices.Delete(w.finished, i, i+1)
	}
	w.finished = append(w.finished, name)
	if len(w.finished) > maxFinished {
		w.finished = slices.Delete(w.finished, 0, len(w.finished)-maxFinished)
	}
}

// finalize counts the warnings in a finished entry's analysis file.
func (w *Worker) finalize(name string) error {
	f, err := w.store.OpenEntryAnalysis(name)
	if err != nil {
		return err
	}
	defer f.Close()

	warnings, err := CountWarnings(f)
	if err != nil {
		return err
	}
	if err := w.store.SetEntryWarnings(name, warnings); err != nil {
		return err
	}
	w.log.Info("[analysis] Finalized %s: %d warnings", name, warnings)
	return nil
}

// reanalyze runs the harness over the recorded prefix of an entry's
// capture file, one HDLC message per frame, into a new analysis file that
// replaces the old one.
func (w *Worker) reanalyze(ctx context.Context, name string) error {
	capture, entry, err := w.store.OpenEntryCapture(name)
	if err != nil {
		return err
	}
	defer capture.Close()
	if entry.Current() {
		return fmt.Errorf("%w: %s", store.ErrEntryIsCurrent, name)
	}

	tmp, err := w.store.CreateTemp("analysis-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	installed := false
	defer func() {
		if !installed {
			os.Remove(tmpPath)
		}
	}()

	aw, err := NewWriter(tmp, w.harness)
	if err != nil {
		tmp.Close()
		return err
	}

	r := bufio.NewReader(io.LimitReader(capture, entry.CaptureSize))
	for {
		if err := ctx.Err(); err != nil {
			aw.Close()
			return err
		}
		msg, readErr := r.ReadBytes(diag.HDLCTerminator)
		if len(msg) > 0 {
			frame := diag.Frame{Type: diag.UserSpace, Timestamp: entry.StartTime, Payload: msg}
			if _, err := aw.Analyze(frame); err != nil {
				aw.Close()
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			aw.Close()
			return fmt.Errorf("failed to read capture: %w", readErr)
		}
	}
	if err := aw.Close(); err != nil {
		return err
	}

	if err := w.store.ReplaceEntryAnalysis(name, tmpPath); err != nil {
		return err
	}
	installed = true

	if err := w.finalize(name); err != nil {
		return err
	}
	w.log.Info("[analysis] Re-analyzed %s", name)
	return nil
}

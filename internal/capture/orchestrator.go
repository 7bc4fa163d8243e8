package capture

import (
	"context"
	"errors"
	"fmt"

	"EnigmaNetz/Enigma-Cell-Sensor/internal/analysis"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/diag"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/display"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/logger"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/metrics"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/store"
)

// FrameSource yields frames in order. An error ends capture.
type FrameSource interface {
	Next() (diag.Frame, error)
}

// Indicator receives operator indicator updates.
type Indicator interface {
	Send(ctx context.Context, state display.State) error
}

// Finalizer is told when capture for an entry has finished. It must not
// block.
type Finalizer interface {
	RecordingFinished(name string) error
}

// Store is the part of the recording store the orchestrator drives.
type Store interface {
	NewEntry() (store.Entry, File, File, error)
	UpdateEntrySize(name string, size int64) error
	CloseCurrentEntry() error
}

// storeAdapter narrows *store.Store's *os.File results to File.
type storeAdapter struct {
	*store.Store
}

func (a storeAdapter) NewEntry() (store.Entry, File, File, error) {
	e, c, an, err := a.Store.NewEntry()
	if err != nil {
		return e, nil, nil, err
	}
	return e, c, an, nil
}

// FromStore adapts the recording store for the orchestrator.
func FromStore(s *store.Store) Store {
	return storeAdapter{s}
}

// recording is the active state: both writers exist or neither does.
type recording struct {
	entry    store.Entry
	capture  *Writer
	analysis *analysis.Writer
}

// Options tune an Orchestrator.
type Options struct {
	// StartPaused skips the recording normally started by Run.
	StartPaused bool
	Metrics     *metrics.Metrics
}

// Orchestrator multiplexes frames from the modem with control messages.
// Only one recording is active at a time.
type Orchestrator struct {
	store     Store
	control   <-chan Message
	source    FrameSource
	harness   *analysis.Harness
	indicator Indicator
	finalizer Finalizer
	opts      Options
	log       *logger.Logger

	active *recording
	// unclosed names an entry whose writers are closed but whose store
	// close failed; it is finalized once a later close succeeds.
	unclosed string
}

// NewOrchestrator wires the loop. control is usually Control.Messages().
func NewOrchestrator(st Store, control <-chan Message, source FrameSource, harness *analysis.Harness,
	indicator Indicator, finalizer Finalizer, opts Options) *Orchestrator {
	return &Orchestrator{
		store:     st,
		control:   control,
		source:    source,
		harness:   harness,
		indicator: indicator,
		finalizer: finalizer,
		opts:      opts,
		log:       logger.GetLogger(),
	}
}

type frameResult struct {
	frame diag.Frame
	err   error
}

// Run records until Exit, the control channel closing, or ctx ending, all
// of which return nil. A frame source error or a failed size update is
// returned; the caller is expected to restart the process.
func (o *Orchestrator) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	frames := o.pump(stop)

	if o.opts.StartPaused {
		o.log.Info("[capture] Starting paused")
		o.indicate(ctx, display.Paused)
	} else {
		o.startRecording(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			o.exit()
			return nil

		case msg, ok := <-o.control:
			if !ok {
				o.log.Info("[capture] Control channel closed, exiting")
				o.exit()
				return nil
			}
			exit := o.handleControl(ctx, msg.Command)
			if msg.Done != nil {
				close(msg.Done)
			}
			if exit {
				return nil
			}

		case res := <-frames:
			if res.err != nil {
				o.exit()
				return fmt.Errorf("frame source: %w", res.err)
			}
			if err := o.handleFrame(ctx, res.frame); err != nil {
				o.exit()
				return err
			}
		}
	}
}

// pump reads frames on its own goroutine so Run can select on them. It
// stops after the first error or when stop is closed.
func (o *Orchestrator) pump(stop <-chan struct{}) <-chan frameResult {
	frames := make(chan frameResult)
	go func() {
		for {
			frame, err := o.source.Next()
			select {
			case frames <- frameResult{frame: frame, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return frames
}

func (o *Orchestrator) handleControl(ctx context.Context, cmd Command) (exit bool) {
	o.log.Debug("[capture] Control message: %s", cmd)
	switch cmd {
	case StartRecording:
		o.stopRecording()
		o.startRecording(ctx)
	case StopRecording:
		o.stopRecording()
		o.indicate(ctx, display.Paused)
	case Exit:
		o.log.Info("[capture] Exit requested")
		o.exit()
		return true
	default:
		o.log.Warn("[capture] Ignoring unknown control message %d", cmd)
	}
	return false
}

// startRecording opens a new entry. On failure capture stays paused.
func (o *Orchestrator) startRecording(ctx context.Context) {
	entry, captureFile, analysisFile, err := o.store.NewEntry()
	if err != nil {
		o.log.Error("[capture] Failed to create entry: %v", err)
		o.indicate(ctx, display.Paused)
		return
	}
	aw, err := analysis.NewWriter(analysisFile, o.harness)
	if err != nil {
		o.log.Error("[capture] Failed to start analysis for %s: %v", entry.Name, err)
		analysisFile.Close()
		captureFile.Close()
		if err := o.store.CloseCurrentEntry(); err != nil {
			o.log.Error("[capture] Failed to close entry %s: %v", entry.Name, err)
		}
		o.indicate(ctx, display.Paused)
		return
	}

	o.active = &recording{
		entry:    entry,
		capture:  NewWriter(captureFile),
		analysis: aw,
	}
	o.log.Info("[capture] Recording to entry %s", entry.Name)
	o.indicate(ctx, display.Recording)
}

// stopRecording finishes the active recording. With nothing active it
// still closes the store's current entry, retrying an earlier failed close.
func (o *Orchestrator) stopRecording() {
	if o.active != nil {
		o.finishRecording()
		return
	}
	o.closeEntry()
}

// finishRecording closes both writers and the entry.
func (o *Orchestrator) finishRecording() {
	rec := o.active
	o.active = nil
	o.closeWriters(rec)
	o.log.Info("[capture] Stopped recording entry %s (%d bytes)", rec.entry.Name, rec.capture.TotalWritten())

	o.unclosed = rec.entry.Name
	o.closeEntry()
}

// closeEntry closes the store's current entry and, once that succeeds,
// notifies the finalizer of the entry left by finishRecording.
func (o *Orchestrator) closeEntry() {
	if err := o.store.CloseCurrentEntry(); err != nil {
		o.log.Error("[capture] Failed to close current entry: %v", err)
		return
	}
	name := o.unclosed
	o.unclosed = ""
	if name == "" || o.finalizer == nil {
		return
	}
	if err := o.finalizer.RecordingFinished(name); err != nil {
		o.log.Warn("[capture] Could not notify analysis of finished entry %s: %v", name, err)
	}
}

func (o *Orchestrator) closeWriters(rec *recording) {
	if err := rec.analysis.Close(); err != nil {
		o.log.Warn("[capture] Failed to close analysis for %s: %v", rec.entry.Name, err)
	}
	if err := rec.capture.Close(); err != nil {
		o.log.Warn("[capture] Failed to close capture for %s: %v", rec.entry.Name, err)
	}
}

// exit closes the writers but leaves the entry current; store.Open closes
// it on the next start.
func (o *Orchestrator) exit() {
	if o.active == nil {
		return
	}
	o.closeWriters(o.active)
	o.log.Info("[capture] Left entry %s open at exit", o.active.entry.Name)
	o.active = nil
}

func (o *Orchestrator) handleFrame(ctx context.Context, frame diag.Frame) error {
	o.opts.Metrics.FrameReceived(ctx, frame.Type.String())
	if frame.Type != diag.UserSpace {
		return nil
	}
	rec := o.active
	if rec == nil {
		return nil
	}

	n, err := rec.capture.Write(frame.Payload)
	o.opts.Metrics.CaptureBytes(ctx, n)
	if err != nil {
		o.log.Error("[capture] %v; pausing entry %s", err, rec.entry.Name)
		o.finishRecording()
		o.indicate(ctx, display.Paused)
		return nil
	}

	if err := o.store.UpdateEntrySize(rec.entry.Name, rec.capture.TotalWritten()); err != nil {
		if errors.Is(err, store.ErrNotCurrent) {
			// The entry was deleted or closed behind our back.
			o.log.Error("[capture] Entry %s is no longer current, dropping writers", rec.entry.Name)
			o.active = nil
			o.closeWriters(rec)
			o.indicate(ctx, display.Paused)
			return nil
		}
		return fmt.Errorf("failed to update size of entry %s: %w", rec.entry.Name, err)
	}

	warning, err := rec.analysis.Analyze(frame)
	if err != nil {
		o.log.Warn("[capture] Analysis failed for entry %s: %v", rec.entry.Name, err)
	}
	if warning {
		o.opts.Metrics.WarningDetected(ctx)
		o.indicate(ctx, display.WarningDetected)
	}
	return nil
}

func (o *Orchestrator) indicate(ctx context.Context, state display.State) {
	if o.indicator == nil {
		return
	}
	if err := o.indicator.Send(ctx, state); err != nil {
		o.log.Warn("[capture] Indicator update %s not delivered: %v", state, err)
	}
}

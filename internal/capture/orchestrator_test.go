package capture

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EnigmaNetz/Enigma-Cell-Sensor/config"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/analysis"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/diag"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/display"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/store"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type sourceItem struct {
	frame diag.Frame
	err   error
}

// chanSource hands out frames pushed by the test; closing it ends the
// stream with io.EOF.
type chanSource struct {
	ch chan sourceItem
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan sourceItem)}
}

func (s *chanSource) Next() (diag.Frame, error) {
	item, ok := <-s.ch
	if !ok {
		return diag.Frame{}, io.EOF
	}
	return item.frame, item.err
}

func (s *chanSource) push(payload []byte) {
	s.ch <- sourceItem{frame: diag.Frame{Type: diag.UserSpace, Timestamp: time.Now(), Payload: payload}}
}

type fakeIndicator struct {
	mu     sync.Mutex
	states []display.State
}

func (f *fakeIndicator) Send(_ context.Context, s display.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
	return nil
}

func (f *fakeIndicator) States() []display.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]display.State(nil), f.states...)
}

type fakeFinalizer struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeFinalizer) RecordingFinished(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	return nil
}

func (f *fakeFinalizer) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

type fixture struct {
	t         *testing.T
	store     *store.Store
	control   *Control
	source    *chanSource
	indicator *fakeIndicator
	finalizer *fakeFinalizer
	result    chan error
}

func newFixture(t *testing.T, opts Options, harness *analysis.Harness, storeOpts ...store.Option) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir(), storeOpts...)
	require.NoError(t, err)
	if harness == nil {
		harness = analysis.NewHarness()
	}

	f := &fixture{
		t:         t,
		store:     st,
		control:   NewControl(4),
		source:    newChanSource(),
		indicator: &fakeIndicator{},
		finalizer: &fakeFinalizer{},
		result:    make(chan error, 1),
	}
	o := NewOrchestrator(FromStore(st), f.control.Messages(), f.source, harness, f.indicator, f.finalizer, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { f.result <- o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		f.control.Close()
	})
	return f
}

func (f *fixture) send(cmd Command) {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(f.t, f.control.SendAndWait(ctx, cmd))
}

func (f *fixture) waitStates(n int) []display.State {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return len(f.indicator.States()) >= n }, waitFor, tick)
	return f.indicator.States()
}

func (f *fixture) waitSize(name string, size int64) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		e, ok := f.store.EntryForName(name)
		return ok && e.CaptureSize == size
	}, waitFor, tick)
}

func (f *fixture) current() store.Entry {
	f.t.Helper()
	f.waitStates(1)
	e, ok := f.store.CurrentEntry()
	require.True(f.t, ok, "expected a current entry")
	return e
}

func (f *fixture) finish() error {
	f.t.Helper()
	select {
	case err := <-f.result:
		return err
	case <-time.After(waitFor):
		f.t.Fatal("orchestrator did not return")
		return nil
	}
}

func currentCount(st *store.Store) int {
	n := 0
	for _, e := range st.Entries() {
		if e.Current() {
			n++
		}
	}
	return n
}

func warningHarness(t *testing.T) *analysis.Harness {
	t.Helper()
	h, err := analysis.HarnessFromConfig(config.AnalysisConfig{Signatures: []config.SignatureConfig{
		{Name: "marker", Pattern: "dead", Severity: "high"},
	}})
	require.NoError(t, err)
	return h
}

func TestOrchestrator_StartThreeFramesStop(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	entry := f.current()

	payloads := [][]byte{{0x01, 0x7e}, {0x02, 0x03, 0x7e}, {0x04, 0x05, 0x06, 0x7e}}
	var total int64
	for _, p := range payloads {
		f.source.push(p)
		total += int64(len(p))
	}
	f.waitSize(entry.Name, total)
	f.send(StopRecording)

	assert.Equal(t, []display.State{display.Recording, display.Paused}, f.indicator.States())
	entries := f.store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, total, entries[0].CaptureSize)
	assert.Equal(t, store.StateClosed, entries[0].State)
	assert.Equal(t, []string{entry.Name}, f.finalizer.Names())

	data, err := os.ReadFile(filepath.Join(f.store.Dir(), entry.Name+".qmdl"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x7e, 0x02, 0x03, 0x7e, 0x04, 0x05, 0x06, 0x7e}, data)
}

func TestOrchestrator_WarningFrame(t *testing.T) {
	f := newFixture(t, Options{}, warningHarness(t))
	entry := f.current()

	f.source.push([]byte{0xde, 0xad, 0x7e})
	states := f.waitStates(2)
	assert.Equal(t, []display.State{display.Recording, display.WarningDetected}, states)

	data, err := os.ReadFile(filepath.Join(f.store.Dir(), entry.Name+".ndjson"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2, "metadata header plus exactly one record")
	assert.Contains(t, lines[1], `"analyzer":"marker"`)
}

func TestOrchestrator_EntriesMatchStarts(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.current()

	f.send(StartRecording)
	f.send(StartRecording)
	f.send(StopRecording)
	f.send(StopRecording)
	f.send(StartRecording)

	assert.Len(t, f.store.Entries(), 4, "implicit start plus three StartRecording")
	assert.Equal(t, 1, currentCount(f.store))
	assert.Equal(t, []display.State{
		display.Recording, display.Recording, display.Recording,
		display.Paused, display.Paused, display.Recording,
	}, f.indicator.States())
	assert.Len(t, f.finalizer.Names(), 3, "each superseded or stopped entry is finalized once")
}

func TestOrchestrator_DoubleStartClosesPreviousEntry(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	first := f.current()
	f.source.push([]byte{0xaa, 0x7e})
	f.waitSize(first.Name, 2)

	f.send(StartRecording)

	closed, ok := f.store.EntryForName(first.Name)
	require.True(t, ok)
	assert.Equal(t, store.StateClosed, closed.State)
	assert.Equal(t, int64(2), closed.CaptureSize)

	second, ok := f.store.CurrentEntry()
	require.True(t, ok)
	assert.NotEqual(t, first.Name, second.Name)
}

func TestOrchestrator_IgnoresNonUserSpaceFrames(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	entry := f.current()

	f.source.ch <- sourceItem{frame: diag.Frame{Type: diag.DataType(0x01), Payload: []byte{0xff, 0xff, 0x7e}}}
	f.source.push([]byte{0x01, 0x7e})
	f.waitSize(entry.Name, 2)

	data, err := os.ReadFile(filepath.Join(f.store.Dir(), entry.Name+".qmdl"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x7e}, data)
}

func TestOrchestrator_StreamErrorIsFatal(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	entry := f.current()

	boom := errors.New("usb disconnected")
	f.source.ch <- sourceItem{err: boom}

	err := f.finish()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	got, ok := f.store.EntryForName(entry.Name)
	require.True(t, ok)
	assert.True(t, got.Current(), "the entry is recovered by the next store.Open")
}

func TestOrchestrator_CurrentEntryDeletedBehindWriter(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	entry := f.current()

	wasCurrent, err := f.store.DeleteEntry(entry.Name)
	require.NoError(t, err)
	require.True(t, wasCurrent)

	f.source.push([]byte{0x01, 0x7e})
	states := f.waitStates(2)
	assert.Equal(t, []display.State{display.Recording, display.Paused}, states)

	// The loop keeps running.
	f.send(StartRecording)
	_, ok := f.store.CurrentEntry()
	assert.True(t, ok)
}

func TestOrchestrator_ExitLeavesEntryCurrent(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	entry := f.current()
	f.source.push([]byte{0x01, 0x02, 0x7e})
	f.waitSize(entry.Name, 3)

	f.send(Exit)
	require.NoError(t, f.finish())

	got, _ := f.store.EntryForName(entry.Name)
	assert.True(t, got.Current())

	reopened, err := store.Open(f.store.Dir())
	require.NoError(t, err)
	recovered, _ := reopened.EntryForName(entry.Name)
	assert.Equal(t, store.StateClosed, recovered.State)
	assert.Equal(t, int64(3), recovered.CaptureSize)
}

func TestOrchestrator_ControlClosedExits(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.current()
	f.control.Close()
	assert.NoError(t, f.finish())
}

func TestOrchestrator_StartPaused(t *testing.T) {
	f := newFixture(t, Options{StartPaused: true}, nil)
	assert.Equal(t, []display.State{display.Paused}, f.waitStates(1))
	assert.Empty(t, f.store.Entries())

	f.send(StartRecording)
	assert.Len(t, f.store.Entries(), 1)
	assert.Equal(t, []display.State{display.Paused, display.Recording}, f.indicator.States())
}

func TestOrchestrator_NewEntryFailureStaysPaused(t *testing.T) {
	f := newFixture(t, Options{}, nil,
		store.WithMinFreeBytes(100),
		store.WithFreeSpaceFunc(func(string) (uint64, uint64, error) { return 1, 1000, nil }),
	)
	assert.Equal(t, []display.State{display.Paused}, f.waitStates(1))
	assert.Empty(t, f.store.Entries())

	f.source.push([]byte{0x01, 0x7e})
	f.send(StopRecording)
	assert.Empty(t, f.store.Entries())
}

// failingCloseStore fails the first n CloseCurrentEntry calls.
type failingCloseStore struct {
	Store
	mu       sync.Mutex
	failures int
}

func (s *failingCloseStore) CloseCurrentEntry() error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return &store.StorageError{Op: "write manifest", Err: errors.New("no space left on device")}
	}
	s.mu.Unlock()
	return s.Store.CloseCurrentEntry()
}

func TestOrchestrator_FailedCloseRetriedOnNextStop(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	control := NewControl(4)
	indicator := &fakeIndicator{}
	finalizer := &fakeFinalizer{}
	o := NewOrchestrator(&failingCloseStore{Store: FromStore(st), failures: 1}, control.Messages(),
		newChanSource(), analysis.NewHarness(), indicator, finalizer, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		control.Close()
		<-result
	})

	send := func(cmd Command) {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), waitFor)
		defer sendCancel()
		require.NoError(t, control.SendAndWait(sendCtx, cmd))
	}

	require.Eventually(t, func() bool { return len(indicator.States()) >= 1 }, waitFor, tick)
	first, ok := st.CurrentEntry()
	require.True(t, ok)

	send(StopRecording)
	stuck, _ := st.EntryForName(first.Name)
	assert.True(t, stuck.Current(), "the failed close leaves the entry current")
	assert.Empty(t, finalizer.Names())

	send(StopRecording)
	closed, _ := st.EntryForName(first.Name)
	assert.Equal(t, store.StateClosed, closed.State)
	assert.Equal(t, []string{first.Name}, finalizer.Names())

	send(StartRecording)
	entries := st.Entries()
	require.Len(t, entries, 2)
	second, ok := st.CurrentEntry()
	require.True(t, ok)
	assert.NotEqual(t, first.Name, second.Name)
	assert.Equal(t, []string{first.Name}, finalizer.Names())
}

func TestOrchestrator_FailedCloseRetriedOnStart(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	control := NewControl(4)
	finalizer := &fakeFinalizer{}
	o := NewOrchestrator(&failingCloseStore{Store: FromStore(st), failures: 1}, control.Messages(),
		newChanSource(), analysis.NewHarness(), nil, finalizer, Options{StartPaused: true})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		control.Close()
		<-result
	})

	send := func(cmd Command) {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), waitFor)
		defer sendCancel()
		require.NoError(t, control.SendAndWait(sendCtx, cmd))
	}

	send(StartRecording)
	first, ok := st.CurrentEntry()
	require.True(t, ok)

	send(StopRecording)
	send(StartRecording)

	entries := st.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, store.StateClosed, entries[0].State)
	assert.True(t, entries[1].Current())
	assert.Equal(t, []string{first.Name}, finalizer.Names())
}

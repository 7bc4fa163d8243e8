// Package store keeps the manifest of capture entries and the files that
// back them. All methods are safe for concurrent use; mutations hold the
// write lock only for the duration of a single call.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"EnigmaNetz/Enigma-Cell-Sensor/internal/logger"
)

const (
	manifestFile      = "manifest.json"
	captureExtension  = ".qmdl"
	analysisExtension = ".ndjson"

	dirPerm  = 0755
	filePerm = 0644
)

var (
	ErrNoSuchEntry       = errors.New("no such entry")
	ErrNotCurrent        = errors.New("entry is not the current entry")
	ErrCurrentEntryOpen  = errors.New("a current entry is already open")
	ErrEntryIsCurrent    = errors.New("entry is still being recorded")
	ErrInsufficientSpace = errors.New("insufficient free space")

	errFreeSpaceUnsupported = errors.New("free space probe not supported on this platform")
)

// StorageError wraps a filesystem or manifest failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// EntryState tags an entry as receiving data or finished.
type EntryState string

const (
	StateCurrent EntryState = "current"
	StateClosed  EntryState = "closed"
)

// Entry is one recording session in the manifest.
type Entry struct {
	Name            string     `json:"name"`
	StartTime       time.Time  `json:"start_time"`
	LastMessageTime time.Time  `json:"last_message_time"`
	CaptureSize     int64      `json:"qmdl_size_bytes"`
	AnalysisSize    int64      `json:"analysis_size_bytes"`
	Warnings        int        `json:"warnings"`
	State           EntryState `json:"state"`
}

// Current reports whether the entry is the one being recorded.
func (e Entry) Current() bool { return e.State == StateCurrent }

type manifest struct {
	Entries []Entry `json:"entries"`
}

// Option customises a Store.
type Option func(*Store)

// WithMinFreeBytes makes NewEntry fail when the store's filesystem has less
// than n bytes available.
func WithMinFreeBytes(n uint64) Option {
	return func(s *Store) { s.minFree = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithFreeSpaceFunc replaces the filesystem free-space probe, for tests.
func WithFreeSpaceFunc(fn func(dir string) (free, total uint64, err error)) Option {
	return func(s *Store) { s.freeSpace = fn }
}

// Store is the recording store. Construct it once with Open and share the
// pointer between the capture loop and the control surface.
type Store struct {
	mu        sync.RWMutex
	dir       string
	entries   []Entry
	minFree   uint64
	now       func() time.Time
	freeSpace func(dir string) (uint64, uint64, error)
	log       *logger.Logger
}

// Open loads (or creates) the store in dir. An entry left current by a
// previous run is closed, with its size taken from the capture file.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:       dir,
		now:       time.Now,
		freeSpace: diskFree,
		log:       logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, &StorageError{Op: "create store directory", Err: err}
	}

	data, err := os.ReadFile(s.manifestPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.writeManifest(); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, &StorageError{Op: "read manifest", Err: err}
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &StorageError{Op: "parse manifest", Err: err}
	}
	s.entries = m.Entries

	recovered := false
	for i := range s.entries {
		e := &s.entries[i]
		if e.State != StateCurrent {
			continue
		}
		s.finalizeSizes(e)
		e.State = StateClosed
		recovered = true
		s.log.Warn("[store] Recovered entry %s left open by a previous run (%d bytes)", e.Name, e.CaptureSize)
	}
	if recovered {
		if err := s.writeManifest(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// NewEntry creates a new current entry and returns it with its capture and
// analysis files opened for appending. The manifest is unchanged on error.
// It fails with ErrCurrentEntryOpen if another entry is still current.
func (s *Store) NewEntry() (Entry, *os.File, *os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentIndex() >= 0 {
		return Entry{}, nil, nil, ErrCurrentEntryOpen
	}
	if err := s.checkFreeSpace(); err != nil {
		return Entry{}, nil, nil, err
	}

	now := s.now()
	name := s.uniqueName(now)

	captureFile, err := os.OpenFile(s.capturePath(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, filePerm)
	if err != nil {
		return Entry{}, nil, nil, &StorageError{Op: "create capture file", Err: err}
	}
	analysisFile, err := os.OpenFile(s.analysisPath(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, filePerm)
	if err != nil {
		captureFile.Close()
		os.Remove(captureFile.Name())
		return Entry{}, nil, nil, &StorageError{Op: "create analysis file", Err: err}
	}

	entry := Entry{
		Name:            name,
		StartTime:       now,
		LastMessageTime: now,
		State:           StateCurrent,
	}
	s.entries = append(s.entries, entry)
	if err := s.writeManifest(); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		captureFile.Close()
		analysisFile.Close()
		os.Remove(captureFile.Name())
		os.Remove(analysisFile.Name())
		return Entry{}, nil, nil, err
	}

	s.log.Info("[store] Created entry %s", name)
	return entry, captureFile, analysisFile, nil
}

// UpdateEntrySize records the number of capture bytes written so far for
// the named entry. It fails with ErrNotCurrent unless name is current.
func (s *Store) UpdateEntrySize(name string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.currentIndex()
	if i < 0 || s.entries[i].Name != name {
		return fmt.Errorf("%w: %s", ErrNotCurrent, name)
	}

	prev := s.entries[i]
	s.entries[i].CaptureSize = size
	s.entries[i].LastMessageTime = s.now()
	if err := s.writeManifest(); err != nil {
		s.entries[i] = prev
		return err
	}
	return nil
}

// CloseCurrentEntry marks the current entry closed and finalizes its sizes
// from the files on disk. It is a no-op when nothing is current.
func (s *Store) CloseCurrentEntry() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.currentIndex()
	if i < 0 {
		return nil
	}

	prev := s.entries[i]
	e := &s.entries[i]
	s.finalizeSizes(e)
	e.State = StateClosed
	if err := s.writeManifest(); err != nil {
		s.entries[i] = prev
		return err
	}
	s.log.Info("[store] Closed entry %s (%d bytes)", e.Name, e.CaptureSize)
	return nil
}

// CurrentEntry returns the current entry, if any.
func (s *Store) CurrentEntry() (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.currentIndex()
	if i < 0 {
		return Entry{}, false
	}
	return s.entries[i], true
}

// EntryForName looks up an entry by name.
func (s *Store) EntryForName(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexOf(name)
	if i < 0 {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Entries returns a copy of the manifest in creation order.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

// DeleteEntry removes an entry and its files. It reports whether the entry
// was current; the caller is responsible for stopping capture in that case.
func (s *Store) DeleteEntry(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(name)
	if i < 0 {
		return false, fmt.Errorf("%w: %s", ErrNoSuchEntry, name)
	}
	wasCurrent := s.entries[i].Current()

	if err := s.removeFiles(name); err != nil {
		return false, err
	}
	s.entries = slices.Delete(s.entries, i, i+1)
	if err := s.writeManifest(); err != nil {
		return false, err
	}
	s.log.Info("[store] Deleted entry %s (current=%t)", name, wasCurrent)
	return wasCurrent, nil
}

// DeleteAllEntries removes every entry. It does not stop capture.
func (s *Store) DeleteAllEntries() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	kept := s.entries[:0]
	for _, e := range s.entries {
		if err := s.removeFiles(e.Name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			kept = append(kept, e)
		}
	}
	s.entries = kept
	if err := s.writeManifest(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.log.Info("[store] Deleted all entries (%d could not be removed)", len(kept))
	return firstErr
}

// OpenEntryAnalysis opens the entry's analysis file for reading. The file
// may still be growing if the entry is current.
func (s *Store) OpenEntryAnalysis(name string) (*os.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.indexOf(name) < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchEntry, name)
	}
	f, err := os.Open(s.analysisPath(name))
	if err != nil {
		return nil, &StorageError{Op: "open analysis file", Err: err}
	}
	return f, nil
}

// OpenEntryCapture opens the entry's capture file for reading and returns
// the entry as recorded, whose CaptureSize bounds the valid prefix.
func (s *Store) OpenEntryCapture(name string) (*os.File, Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexOf(name)
	if i < 0 {
		return nil, Entry{}, fmt.Errorf("%w: %s", ErrNoSuchEntry, name)
	}
	f, err := os.Open(s.capturePath(name))
	if err != nil {
		return nil, Entry{}, &StorageError{Op: "open capture file", Err: err}
	}
	return f, s.entries[i], nil
}

// CreateTemp creates a scratch file inside the store directory so it can
// later be renamed over an entry file.
func (s *Store) CreateTemp(pattern string) (*os.File, error) {
	f, err := os.CreateTemp(s.dir, ".tmp-"+pattern)
	if err != nil {
		return nil, &StorageError{Op: "create temp file", Err: err}
	}
	return f, nil
}

// ReplaceEntryAnalysis atomically installs tmpPath as the analysis file of
// a closed entry.
func (s *Store) ReplaceEntryAnalysis(name, tmpPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNoSuchEntry, name)
	}
	if s.entries[i].Current() {
		return fmt.Errorf("%w: %s", ErrEntryIsCurrent, name)
	}
	if err := os.Rename(tmpPath, s.analysisPath(name)); err != nil {
		return &StorageError{Op: "replace analysis file", Err: err}
	}
	if info, err := os.Stat(s.analysisPath(name)); err == nil {
		s.entries[i].AnalysisSize = info.Size()
	}
	return s.writeManifest()
}

// SetEntryWarnings records the number of warning findings for an entry.
func (s *Store) SetEntryWarnings(name string, warnings int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNoSuchEntry, name)
	}
	prev := s.entries[i].Warnings
	s.entries[i].Warnings = warnings
	if err := s.writeManifest(); err != nil {
		s.entries[i].Warnings = prev
		return err
	}
	return nil
}

// DiskUsage reports free and total bytes of the store's filesystem.
func (s *Store) DiskUsage() (free, total uint64, err error) {
	return s.freeSpace(s.dir)
}

func (s *Store) checkFreeSpace() error {
	if s.minFree == 0 {
		return nil
	}
	free, _, err := s.freeSpace(s.dir)
	if errors.Is(err, errFreeSpaceUnsupported) {
		return nil
	}
	if err != nil {
		return &StorageError{Op: "check free space", Err: err}
	}
	if free < s.minFree {
		return &StorageError{Op: "new entry", Err: fmt.Errorf("%w: %d bytes available, %d required", ErrInsufficientSpace, free, s.minFree)}
	}
	return nil
}

// finalizeSizes trusts the files over the recorded counters: the recorded
// capture size is only a lower bound.
func (s *Store) finalizeSizes(e *Entry) {
	if info, err := os.Stat(s.capturePath(e.Name)); err == nil {
		e.CaptureSize = info.Size()
	} else {
		s.log.Warn("[store] Could not stat capture file for %s: %v", e.Name, err)
	}
	if info, err := os.Stat(s.analysisPath(e.Name)); err == nil {
		e.AnalysisSize = info.Size()
	}
}

func (s *Store) removeFiles(name string) error {
	for _, p := range []string{s.capturePath(name), s.analysisPath(name)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &StorageError{Op: "delete entry file", Err: err}
		}
	}
	return nil
}

// ReadManifest returns the entries recorded in dir without opening the
// store, so it is safe to call while a sensor owns the directory.
func ReadManifest(dir string) ([]Entry, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, &StorageError{Op: "read manifest", Err: err}
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &StorageError{Op: "parse manifest", Err: err}
	}
	return m.Entries, nil
}

func (s *Store) writeManifest() error {
	data, err := json.MarshalIndent(manifest{Entries: s.entries}, "", "  ")
	if err != nil {
		return &StorageError{Op: "marshal manifest", Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-manifest-*")
	if err != nil {
		return &StorageError{Op: "write manifest", Err: err}
	}
	success := false
	defer func() {
		if !success {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &StorageError{Op: "write manifest", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &StorageError{Op: "sync manifest", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "close manifest", Err: err}
	}
	if err := os.Rename(tmp.Name(), s.manifestPath()); err != nil {
		return &StorageError{Op: "rename manifest", Err: err}
	}
	success = true
	return nil
}

func (s *Store) uniqueName(now time.Time) string {
	base := strconv.FormatInt(now.Unix(), 10)
	name := base
	for n := 1; s.indexOf(name) >= 0 || fileExists(s.capturePath(name)); n++ {
		name = base + "-" + strconv.Itoa(n)
	}
	return name
}

func (s *Store) currentIndex() int {
	return slices.IndexFunc(s.entries, Entry.Current)
}

func (s *Store) indexOf(name string) int {
	return slices.IndexFunc(s.entries, func(e Entry) bool { return e.Name == name })
}

func (s *Store) manifestPath() string { return filepath.Join(s.dir, manifestFile) }

func (s *Store) capturePath(name string) string {
	return filepath.Join(s.dir, name+captureExtension)
}

func (s *Store) analysisPath(name string) string {
	return filepath.Join(s.dir, name+analysisExtension)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

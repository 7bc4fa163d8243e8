package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func currentCount(s *Store) int {
	n := 0
	for _, e := range s.Entries() {
		if e.Current() {
			n++
		}
	}
	return n
}

func TestOpen_CreatesEmptyManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "qmdl")
	s, err := Open(dir)
	require.NoError(t, err)

	assert.Empty(t, s.Entries())
	_, ok := s.CurrentEntry()
	assert.False(t, ok)
	assert.FileExists(t, filepath.Join(dir, manifestFile))
}

func TestNewEntry_CreatesFilesAndMarksCurrent(t *testing.T) {
	s := openStore(t, WithClock(fixedClock(time.Unix(1700000000, 0))))

	entry, capture, analysis, err := s.NewEntry()
	require.NoError(t, err)
	defer capture.Close()
	defer analysis.Close()

	assert.Equal(t, "1700000000", entry.Name)
	assert.True(t, entry.Current())
	assert.FileExists(t, filepath.Join(s.Dir(), "1700000000.qmdl"))
	assert.FileExists(t, filepath.Join(s.Dir(), "1700000000.ndjson"))

	current, ok := s.CurrentEntry()
	require.True(t, ok)
	assert.Equal(t, entry.Name, current.Name)
}

func TestNewEntry_RejectsWhileCurrentOpen(t *testing.T) {
	s := openStore(t)
	_, c, a, err := s.NewEntry()
	require.NoError(t, err)
	c.Close()
	a.Close()

	_, _, _, err = s.NewEntry()
	assert.ErrorIs(t, err, ErrCurrentEntryOpen)
	assert.Len(t, s.Entries(), 1)
	assert.Equal(t, 1, currentCount(s))
}

func TestNewEntry_UniqueNamesWithinSameSecond(t *testing.T) {
	s := openStore(t, WithClock(fixedClock(time.Unix(1700000000, 0))))

	var names []string
	for i := 0; i < 3; i++ {
		e, c, a, err := s.NewEntry()
		require.NoError(t, err)
		c.Close()
		a.Close()
		require.NoError(t, s.CloseCurrentEntry())
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"1700000000", "1700000000-1", "1700000000-2"}, names)
}

func TestNewEntry_InsufficientSpace(t *testing.T) {
	s := openStore(t,
		WithMinFreeBytes(1000),
		WithFreeSpaceFunc(func(string) (uint64, uint64, error) { return 10, 100, nil }),
	)

	_, _, _, err := s.NewEntry()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientSpace)
	var storageErr *StorageError
	assert.True(t, errors.As(err, &storageErr))
	assert.Empty(t, s.Entries(), "failed creation must leave the manifest unchanged")
}

func TestUpdateEntrySize_OnlyCurrent(t *testing.T) {
	s := openStore(t)
	assert.ErrorIs(t, s.UpdateEntrySize("nothing", 1), ErrNotCurrent)

	e, c, a, err := s.NewEntry()
	require.NoError(t, err)
	defer c.Close()
	defer a.Close()

	require.NoError(t, s.UpdateEntrySize(e.Name, 42))
	got, _ := s.EntryForName(e.Name)
	assert.Equal(t, int64(42), got.CaptureSize)

	require.NoError(t, s.CloseCurrentEntry())
	assert.ErrorIs(t, s.UpdateEntrySize(e.Name, 50), ErrNotCurrent)
}

func TestCloseCurrentEntry_IsIdempotent(t *testing.T) {
	s := openStore(t)
	assert.NoError(t, s.CloseCurrentEntry(), "closing with nothing current is not an error")

	_, c, a, err := s.NewEntry()
	require.NoError(t, err)
	c.Close()
	a.Close()

	require.NoError(t, s.CloseCurrentEntry())
	before := s.Entries()
	require.NoError(t, s.CloseCurrentEntry())
	assert.Equal(t, before, s.Entries())
	assert.Equal(t, 0, currentCount(s))
}

func TestCaptureSize_MatchesBytesWritten(t *testing.T) {
	s := openStore(t)
	e, capture, analysis, err := s.NewEntry()
	require.NoError(t, err)
	defer analysis.Close()

	var total int64
	for _, chunk := range [][]byte{[]byte("abc"), []byte("defgh"), []byte("i")} {
		n, err := capture.Write(chunk)
		require.NoError(t, err)
		total += int64(n)
		require.NoError(t, s.UpdateEntrySize(e.Name, total))
	}
	require.NoError(t, capture.Close())
	require.NoError(t, s.CloseCurrentEntry())

	got, ok := s.EntryForName(e.Name)
	require.True(t, ok)
	assert.Equal(t, int64(9), got.CaptureSize)
	assert.Equal(t, StateClosed, got.State)
}

func TestOpen_RecoversEntryLeftCurrent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	e, capture, analysis, err := s.NewEntry()
	require.NoError(t, err)
	_, err = capture.Write([]byte("0123456789"))
	require.NoError(t, err)
	// Crash before the size update reached the manifest.
	require.NoError(t, s.UpdateEntrySize(e.Name, 4))
	capture.Close()
	analysis.Close()

	reopened, err := Open(dir)
	require.NoError(t, err)

	_, ok := reopened.CurrentEntry()
	assert.False(t, ok)
	got, ok := reopened.EntryForName(e.Name)
	require.True(t, ok)
	assert.Equal(t, int64(10), got.CaptureSize)
	assert.Equal(t, StateClosed, got.State)
}

func TestDeleteEntry(t *testing.T) {
	s := openStore(t, WithClock(fixedClock(time.Unix(1700000000, 0))))

	closed, c, a, err := s.NewEntry()
	require.NoError(t, err)
	c.Close()
	a.Close()
	require.NoError(t, s.CloseCurrentEntry())

	current, c, a, err := s.NewEntry()
	require.NoError(t, err)
	c.Close()
	a.Close()

	t.Run("unknown name leaves manifest unchanged", func(t *testing.T) {
		before := s.Entries()
		_, err := s.DeleteEntry("does-not-exist")
		assert.ErrorIs(t, err, ErrNoSuchEntry)
		assert.Equal(t, before, s.Entries())
	})

	t.Run("closed entry", func(t *testing.T) {
		wasCurrent, err := s.DeleteEntry(closed.Name)
		require.NoError(t, err)
		assert.False(t, wasCurrent)
		assert.NoFileExists(t, filepath.Join(s.Dir(), closed.Name+".qmdl"))
		assert.NoFileExists(t, filepath.Join(s.Dir(), closed.Name+".ndjson"))
		_, ok := s.CurrentEntry()
		assert.True(t, ok, "deleting a closed entry does not touch the current one")
	})

	t.Run("current entry", func(t *testing.T) {
		wasCurrent, err := s.DeleteEntry(current.Name)
		require.NoError(t, err)
		assert.True(t, wasCurrent)
		_, ok := s.CurrentEntry()
		assert.False(t, ok)
		assert.Empty(t, s.Entries())
	})
}

func TestDeleteAllEntries(t *testing.T) {
	s := openStore(t)
	for i := 0; i < 2; i++ {
		_, c, a, err := s.NewEntry()
		require.NoError(t, err)
		c.Close()
		a.Close()
		require.NoError(t, s.CloseCurrentEntry())
	}
	require.NoError(t, s.DeleteAllEntries())
	assert.Empty(t, s.Entries())

	files, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, manifestFile, files[0].Name())
}

func TestOpenEntryAnalysis_SeesConcurrentAppends(t *testing.T) {
	s := openStore(t)
	e, c, analysis, err := s.NewEntry()
	require.NoError(t, err)
	defer c.Close()
	defer analysis.Close()

	_, err = analysis.WriteString("{\"a\":1}\n")
	require.NoError(t, err)

	r, err := s.OpenEntryAnalysis(e.Name)
	require.NoError(t, err)
	defer r.Close()

	_, err = analysis.WriteString("{\"b\":2}\n")
	require.NoError(t, err)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", string(data))

	_, err = s.OpenEntryAnalysis("missing")
	assert.ErrorIs(t, err, ErrNoSuchEntry)
}

func TestReplaceEntryAnalysis(t *testing.T) {
	s := openStore(t)
	e, c, a, err := s.NewEntry()
	require.NoError(t, err)
	c.Close()
	a.Close()

	tmp, err := s.CreateTemp("analysis-*")
	require.NoError(t, err)
	_, err = tmp.WriteString("{\"fresh\":true}\n")
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	assert.ErrorIs(t, s.ReplaceEntryAnalysis(e.Name, tmp.Name()), ErrEntryIsCurrent)

	require.NoError(t, s.CloseCurrentEntry())
	require.NoError(t, s.ReplaceEntryAnalysis(e.Name, tmp.Name()))

	data, err := os.ReadFile(filepath.Join(s.Dir(), e.Name+".ndjson"))
	require.NoError(t, err)
	assert.Equal(t, "{\"fresh\":true}\n", string(data))
	got, _ := s.EntryForName(e.Name)
	assert.Equal(t, int64(len(data)), got.AnalysisSize)
}

func TestSetEntryWarnings(t *testing.T) {
	s := openStore(t)
	assert.ErrorIs(t, s.SetEntryWarnings("x", 1), ErrNoSuchEntry)

	e, c, a, err := s.NewEntry()
	require.NoError(t, err)
	c.Close()
	a.Close()
	require.NoError(t, s.SetEntryWarnings(e.Name, 3))
	got, _ := s.EntryForName(e.Name)
	assert.Equal(t, 3, got.Warnings)
}

func TestReadManifest_DoesNotRecover(t *testing.T) {
	s := openStore(t)
	e, c, a, err := s.NewEntry()
	require.NoError(t, err)
	c.Close()
	a.Close()

	entries, err := ReadManifest(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e.Name, entries[0].Name)
	assert.True(t, entries[0].Current(), "reading must not close the live entry")

	_, err = ReadManifest(filepath.Join(t.TempDir(), "missing"))
	var serr *StorageError
	assert.True(t, errors.As(err, &serr))
}

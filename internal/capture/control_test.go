package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControl_SendAndWaitBlocksUntilHandled(t *testing.T) {
	c := NewControl(1)
	result := make(chan error, 1)
	go func() { result <- c.SendAndWait(context.Background(), StopRecording) }()

	msg := <-c.Messages()
	assert.Equal(t, StopRecording, msg.Command)
	require.NotNil(t, msg.Done)

	select {
	case <-result:
		t.Fatal("SendAndWait returned before the message was handled")
	case <-time.After(20 * time.Millisecond):
	}

	close(msg.Done)
	assert.NoError(t, <-result)
}

func TestControl_SendRespectsContextWhenFull(t *testing.T) {
	c := NewControl(1)
	require.NoError(t, c.Send(context.Background(), StartRecording))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Send(ctx, StartRecording), context.DeadlineExceeded)
}

func TestControl_Close(t *testing.T) {
	c := NewControl(1)
	require.NoError(t, c.Send(context.Background(), StartRecording))

	blocked := make(chan error, 1)
	go func() { blocked <- c.Send(context.Background(), StopRecording) }()
	time.Sleep(10 * time.Millisecond)

	c.Close()
	c.Close()
	assert.ErrorIs(t, <-blocked, ErrControlClosed)
	assert.ErrorIs(t, c.Send(context.Background(), Exit), ErrControlClosed)

	// Messages sent before Close are still delivered.
	msg, ok := <-c.Messages()
	require.True(t, ok)
	assert.Equal(t, StartRecording, msg.Command)
	_, ok = <-c.Messages()
	assert.False(t, ok)
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "start-recording", StartRecording.String())
	assert.Equal(t, "stop-recording", StopRecording.String())
	assert.Equal(t, "exit", Exit.String())
}

type fakeFile struct {
	data     []byte
	failOn   int
	writes   int
	synced   bool
	closed   bool
	closeErr error
}

func (f *fakeFile) Write(p []byte) (int, error) {
	f.writes++
	if f.failOn > 0 && f.writes == f.failOn {
		half := len(p) / 2
		f.data = append(f.data, p[:half]...)
		return half, errors.New("no space left on device")
	}
	f.data = append(f.data, p...)
	return len(p), nil
}

func (f *fakeFile) Sync() error {
	f.synced = true
	return nil
}

func (f *fakeFile) Close() error {
	f.closed = true
	return f.closeErr
}

func TestWriter_CountsBytes(t *testing.T) {
	file := &fakeFile{}
	w := NewWriter(file)

	_, err := w.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	_, err = w.Write([]byte{4})
	require.NoError(t, err)
	assert.Equal(t, int64(4), w.TotalWritten())

	require.NoError(t, w.Close())
	assert.True(t, file.synced)
	assert.True(t, file.closed)
}

func TestWriter_PartialWriteCounted(t *testing.T) {
	file := &fakeFile{failOn: 2}
	w := NewWriter(file)

	_, err := w.Write([]byte{1, 2})
	require.NoError(t, err)
	n, err := w.Write([]byte{3, 4, 5, 6})
	assert.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(4), w.TotalWritten())
	assert.Equal(t, len(file.data), int(w.TotalWritten()))
}

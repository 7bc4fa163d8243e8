package capture

import (
	"context"
	"errors"
	"sync"
)

// ErrControlClosed is returned when sending after the control channel
// has been closed.
var ErrControlClosed = errors.New("control channel closed")

// Command is a control message kind.
type Command int

const (
	StartRecording Command = iota
	StopRecording
	Exit
)

func (c Command) String() string {
	switch c {
	case StartRecording:
		return "start-recording"
	case StopRecording:
		return "stop-recording"
	case Exit:
		return "exit"
	default:
		return "unknown"
	}
}

// Message is sent to the orchestrator. If Done is set it is closed once the
// command has been handled.
type Message struct {
	Command Command
	Done    chan struct{}
}

// Control is the multi-producer handle on the bounded control channel.
type Control struct {
	ch        chan Message
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewControl creates a control channel with room for buffer messages.
func NewControl(buffer int) *Control {
	return &Control{
		ch:   make(chan Message, buffer),
		done: make(chan struct{}),
	}
}

// Messages is the receiving side for the orchestrator.
func (c *Control) Messages() <-chan Message {
	return c.ch
}

// Send enqueues cmd, waiting for room until ctx ends.
func (c *Control) Send(ctx context.Context, cmd Command) error {
	return c.send(ctx, Message{Command: cmd})
}

// SendAndWait enqueues cmd and waits until the orchestrator has handled it.
func (c *Control) SendAndWait(ctx context.Context, cmd Command) error {
	done := make(chan struct{})
	if err := c.send(ctx, Message{Command: cmd, Done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrControlClosed
	}
}

func (c *Control) send(ctx context.Context, msg Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrControlClosed
	}
	select {
	case c.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrControlClosed
	}
}

// Close closes the channel; the orchestrator treats that like Exit. Pending
// senders and waiters return ErrControlClosed.
func (c *Control) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}

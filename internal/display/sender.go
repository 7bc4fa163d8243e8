// Package display carries indicator updates from the capture loop to the
// drivers that show them to the operator.
package display

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"EnigmaNetz/Enigma-Cell-Sensor/internal/metrics"
)

// State is what the indicator currently shows.
type State int

const (
	Recording State = iota
	Paused
	WarningDetected
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case WarningDetected:
		return "warning"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy selects what Send does when the channel is full.
type Policy string

const (
	// PolicyBlock waits for room, pushing backpressure into the caller.
	PolicyBlock Policy = "block"
	// PolicyDrop discards the update and counts it.
	PolicyDrop Policy = "drop"
)

var (
	ErrDropped      = errors.New("indicator update dropped")
	ErrSenderClosed = errors.New("indicator sender closed")
)

// Sender is the producing side of the bounded indicator channel. It has a
// single producer; Close must not race Send.
type Sender struct {
	ch        chan State
	policy    Policy
	metrics   *metrics.Metrics
	sent      atomic.Uint64
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewSender creates a sender with room for buffer pending updates.
func NewSender(buffer int, policy Policy, m *metrics.Metrics) *Sender {
	return &Sender{
		ch:      make(chan State, buffer),
		policy:  policy,
		metrics: m,
	}
}

// Updates is the receiving side, consumed by Display.Run.
func (s *Sender) Updates() <-chan State {
	return s.ch
}

// Send delivers state according to the policy. With PolicyBlock it returns
// ctx.Err() if ctx ends first; with PolicyDrop a full channel returns
// ErrDropped.
func (s *Sender) Send(ctx context.Context, state State) error {
	if s.closed.Load() {
		return ErrSenderClosed
	}
	if s.policy == PolicyDrop {
		select {
		case s.ch <- state:
			s.sent.Add(1)
			return nil
		default:
			s.dropped.Add(1)
			s.metrics.IndicatorDropped(ctx)
			return fmt.Errorf("%w: %s", ErrDropped, state)
		}
	}
	select {
	case s.ch <- state:
		s.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent returns the number of delivered updates.
func (s *Sender) Sent() uint64 { return s.sent.Load() }

// Dropped returns the number of updates discarded by PolicyDrop.
func (s *Sender) Dropped() uint64 { return s.dropped.Load() }

// Close closes the channel so Display.Run returns after draining it.
func (s *Sender) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
}

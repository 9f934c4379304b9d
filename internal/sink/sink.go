// Package sink is the reading-sink collaborator the gateway hands
// validated readings to. It has no teacher analogue — the teacher wires
// readings straight into its cloud-sync queue — so this package is
// built directly from the gateway's external-collaborator contract: a
// narrow interface plus a buffered implementation and a counting
// decorator for observability.
package sink

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rustythermostat/sensor-gateway/internal/reading"
)

// Sink accepts validated readings from the gateway. Implementations
// must not block the caller indefinitely; Channel bounds its buffer and
// Accept returns an error if that buffer is full and ctx expires first.
type Sink interface {
	Accept(ctx context.Context, r reading.Reading) error
}

// Channel is a Sink backed by a bounded buffered channel. Readings
// pushed in after the channel is closed are reported as an error rather
// than panicking.
type Channel struct {
	ch     chan reading.Reading
	closed atomic.Bool
}

// NewChannel returns a Channel-backed sink with the given buffer
// capacity.
func NewChannel(capacity int) *Channel {
	return &Channel{ch: make(chan reading.Reading, capacity)}
}

// Accept enqueues r, blocking until there is room or ctx is done.
func (c *Channel) Accept(ctx context.Context, r reading.Reading) error {
	if c.closed.Load() {
		return fmt.Errorf("sink: channel closed")
	}
	select {
	case c.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Readings returns the channel readers should range over.
func (c *Channel) Readings() <-chan reading.Reading {
	return c.ch
}

// Close stops further Accept calls and closes the underlying channel.
// Callers must ensure no goroutine is still calling Accept after Close.
func (c *Channel) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.ch)
	}
}

// Counting wraps another Sink and tallies how many readings were
// accepted versus rejected, for gatewayd to report at shutdown.
type Counting struct {
	next     Sink
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewCounting wraps next with counters.
func NewCounting(next Sink) *Counting {
	return &Counting{next: next}
}

func (c *Counting) Accept(ctx context.Context, r reading.Reading) error {
	if err := c.next.Accept(ctx, r); err != nil {
		c.rejected.Add(1)
		return err
	}
	c.accepted.Add(1)
	return nil
}

// Accepted returns the running count of successfully accepted readings.
func (c *Counting) Accepted() uint64 {
	return c.accepted.Load()
}

// Rejected returns the running count of rejected readings.
func (c *Counting) Rejected() uint64 {
	return c.rejected.Load()
}

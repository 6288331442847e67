// Package transporttest provides scriptable in-memory channels and acquirers
// for exercising the streaming engine and the endpoint without Bluetooth
// hardware.
package transporttest

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/silviot/le_audio_endpoint_go/pkg/transport"
)

// ErrClosed is returned by a FakeChannel after Close.
var ErrClosed = errors.New("fake channel closed")

// ReadResult is one scripted Read outcome. Data is copied into the caller's
// buffer; Err is returned as-is.
type ReadResult struct {
	Data []byte
	Err  error
}

// FakeChannel is an in-memory transport.Channel. Reads are served from a
// queue of scripted results; when the queue is empty, Read blocks until the
// read deadline and returns os.ErrDeadlineExceeded, like a quiet ISO link.
// Writes are recorded unless a scripted write error is pending.
type FakeChannel struct {
	mu            sync.Mutex
	reads         []ReadResult
	writeErrs     []error
	written       [][]byte
	readDeadline  time.Time
	writeDeadline time.Time
	deadlineErr   error
	closed        bool
	notify        chan struct{}

	closeCount atomic.Int32
	readCount  atomic.Int32
}

// NewFakeChannel returns an empty channel.
func NewFakeChannel() *FakeChannel {
	return &FakeChannel{notify: make(chan struct{}, 1)}
}

// PushRead queues one read result.
func (c *FakeChannel) PushRead(r ReadResult) {
	c.mu.Lock()
	c.reads = append(c.reads, r)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// PushFrame queues a successful read of data.
func (c *FakeChannel) PushFrame(data []byte) {
	c.PushRead(ReadResult{Data: data})
}

// PushWriteError makes the next Write return err.
func (c *FakeChannel) PushWriteError(err error) {
	c.mu.Lock()
	c.writeErrs = append(c.writeErrs, err)
	c.mu.Unlock()
}

// FailDeadlines makes every later SetReadDeadline and SetWriteDeadline
// return err.
func (c *FakeChannel) FailDeadlines(err error) {
	c.mu.Lock()
	c.deadlineErr = err
	c.mu.Unlock()
}

func (c *FakeChannel) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadlineErr != nil {
		return c.deadlineErr
	}
	c.readDeadline = t
	return nil
}

func (c *FakeChannel) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadlineErr != nil {
		return c.deadlineErr
	}
	c.writeDeadline = t
	return nil
}

func (c *FakeChannel) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, ErrClosed
		}
		if len(c.reads) > 0 {
			r := c.reads[0]
			c.reads = c.reads[1:]
			c.mu.Unlock()
			c.readCount.Add(1)
			if r.Err != nil {
				return 0, r.Err
			}
			return copy(p, r.Data), nil
		}
		deadline := c.readDeadline
		c.mu.Unlock()

		wait := 50 * time.Millisecond
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-c.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (c *FakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if len(c.writeErrs) > 0 {
		err := c.writeErrs[0]
		c.writeErrs = c.writeErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	frame := make([]byte, len(p))
	copy(frame, p)
	c.written = append(c.written, frame)
	return len(p), nil
}

func (c *FakeChannel) Close() error {
	c.closeCount.Add(1)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Written returns copies of all frames written so far.
func (c *FakeChannel) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// PendingReads returns the number of scripted reads not yet consumed.
func (c *FakeChannel) PendingReads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reads)
}

// ReadCount returns the number of scripted reads consumed.
func (c *FakeChannel) ReadCount() int {
	return int(c.readCount.Load())
}

// CloseCount returns how many times Close was called.
func (c *FakeChannel) CloseCount() int {
	return int(c.closeCount.Load())
}

// Closed reports whether Close has been called.
func (c *FakeChannel) Closed() bool {
	return c.CloseCount() > 0
}

// FakeAcquirer hands out channels for transport paths.
type FakeAcquirer struct {
	mu       sync.Mutex
	ReadMTU  int
	WriteMTU int
	Err      error
	Delay    time.Duration

	channels []*FakeChannel
	calls    []string
}

// NewFakeAcquirer returns an acquirer reporting the given MTUs.
func NewFakeAcquirer(readMTU, writeMTU int) *FakeAcquirer {
	return &FakeAcquirer{ReadMTU: readMTU, WriteMTU: writeMTU}
}

var _ transport.Acquirer = (*FakeAcquirer)(nil)

func (a *FakeAcquirer) Acquire(ctx context.Context, path string) (transport.Channel, int, int, error) {
	a.mu.Lock()
	a.calls = append(a.calls, path)
	delay, err := a.Delay, a.Err
	readMTU, writeMTU := a.ReadMTU, a.WriteMTU
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, 0, 0, ctx.Err()
		}
	}
	if err != nil {
		return nil, 0, 0, err
	}

	ch := NewFakeChannel()
	a.mu.Lock()
	a.channels = append(a.channels, ch)
	a.mu.Unlock()
	return ch, readMTU, writeMTU, nil
}

// Channels returns every channel handed out, in order.
func (a *FakeAcquirer) Channels() []*FakeChannel {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*FakeChannel, len(a.channels))
	copy(out, a.channels)
	return out
}

// Last returns the most recent channel, or nil.
func (a *FakeAcquirer) Last() *FakeChannel {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.channels) == 0 {
		return nil
	}
	return a.channels[len(a.channels)-1]
}

// Calls returns the transport paths Acquire was called with.
func (a *FakeAcquirer) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

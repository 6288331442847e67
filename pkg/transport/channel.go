package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Channel is an acquired audio data channel. Reads and writes move whole
// SDUs; deadlines bound every blocking call so the streaming loop can observe
// stop requests once per frame period.
type Channel interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// IsTransient reports whether err is an interruption that should be retried
// with the same operation.
func IsTransient(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// ISOChannel wraps a connected ISO socket file descriptor handed out by BlueZ.
type ISOChannel struct {
	fd int

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewISOChannel takes ownership of fd and switches it to non-blocking mode.
func NewISOChannel(fd int) (*ISOChannel, error) {
	if fd < 0 {
		return nil, fmt.Errorf("invalid ISO fd %d", fd)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock on fd %d: %w", fd, err)
	}
	return &ISOChannel{fd: fd}, nil
}

// Fd returns the underlying descriptor.
func (c *ISOChannel) Fd() int {
	return c.fd
}

func (c *ISOChannel) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *ISOChannel) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

// Read reads one SDU. It returns os.ErrDeadlineExceeded when the read deadline
// passes first, and the raw errno (EINTR, EAGAIN, ...) otherwise.
func (c *ISOChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	if err := c.wait(unix.POLLIN, deadline); err != nil {
		return 0, err
	}
	n, err := unix.Read(c.fd, p)
	if err != nil {
		return 0, fmt.Errorf("iso read: %w", err)
	}
	return n, nil
}

// Write writes one SDU.
func (c *ISOChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	deadline := c.writeDeadline
	c.mu.Unlock()

	if err := c.wait(unix.POLLOUT, deadline); err != nil {
		return 0, err
	}
	n, err := unix.Write(c.fd, p)
	if err != nil {
		return 0, fmt.Errorf("iso write: %w", err)
	}
	return n, nil
}

func (c *ISOChannel) wait(events int16, deadline time.Time) error {
	timeout := -1
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return os.ErrDeadlineExceeded
		}
		timeout = int((remaining + time.Millisecond - 1) / time.Millisecond)
	}

	fds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
	n, err := unix.Poll(fds, timeout)
	if err != nil {
		return fmt.Errorf("iso poll: %w", err)
	}
	if n == 0 {
		return os.ErrDeadlineExceeded
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		return fmt.Errorf("iso poll: %w", unix.EBADF)
	}
	// POLLERR and POLLHUP surface through the following read or write.
	return nil
}

// Close closes the descriptor exactly once.
func (c *ISOChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = unix.Close(c.fd)
	})
	return c.closeErr
}

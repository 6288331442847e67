// Package transport models the audio data channel handed from negotiation to
// streaming.
//
// A Session is created once per successful acquisition and owns its Channel
// until Handoff moves it to the streaming engine. After a handoff the session
// can no longer release the channel; after a release it can no longer hand it
// off. Either way the channel has exactly one owner responsible for closing it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrAcquisitionFailed wraps any failure of the acquisition boundary.
	ErrAcquisitionFailed = errors.New("transport acquisition failed")

	// ErrMtuTooSmall is returned when a negotiated MTU cannot carry one frame.
	ErrMtuTooSmall = errors.New("transport MTU smaller than codec frame")

	// ErrHandedOff is returned when a session's channel has already been moved
	// to another owner or released.
	ErrHandedOff = errors.New("transport session already handed off")
)

// Direction is the data direction of a session.
type Direction int

const (
	// RX receives encoded frames (sink role).
	RX Direction = iota
	// TX sends encoded frames (source role).
	TX
)

func (d Direction) String() string {
	switch d {
	case RX:
		return "rx"
	case TX:
		return "tx"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Acquirer obtains the channel for a transport identity from the Bluetooth
// stack. Implementations must honour ctx cancellation.
type Acquirer interface {
	Acquire(ctx context.Context, path string) (ch Channel, readMTU, writeMTU int, err error)
}

// AcquirerFunc adapts a function to Acquirer.
type AcquirerFunc func(ctx context.Context, path string) (Channel, int, int, error)

func (f AcquirerFunc) Acquire(ctx context.Context, path string) (Channel, int, int, error) {
	return f(ctx, path)
}

// Session is one acquired transport.
type Session struct {
	ID        string
	Path      string
	ReadMTU   int
	WriteMTU  int
	Direction Direction

	mu        sync.Mutex
	channel   Channel
	handedOff bool
	released  bool
}

// NewSession wraps an already acquired channel.
func NewSession(path string, ch Channel, readMTU, writeMTU int, dir Direction) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Path:      path,
		ReadMTU:   readMTU,
		WriteMTU:  writeMTU,
		Direction: dir,
		channel:   ch,
	}
}

// Open acquires the transport at path and validates that frameBytes fits in
// both MTUs. On failure no session exists and the channel, if any, is closed.
func Open(ctx context.Context, acq Acquirer, path string, frameBytes int, dir Direction) (*Session, error) {
	ch, readMTU, writeMTU, err := acq.Acquire(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAcquisitionFailed, path, err)
	}
	if ch == nil {
		return nil, fmt.Errorf("%w: %s: no channel returned", ErrAcquisitionFailed, path)
	}

	if frameBytes > min(readMTU, writeMTU) {
		ch.Close()
		return nil, fmt.Errorf("%w: frame %d bytes, mtu read=%d write=%d",
			ErrMtuTooSmall, frameBytes, readMTU, writeMTU)
	}

	return NewSession(path, ch, readMTU, writeMTU, dir), nil
}

// Handoff transfers ownership of the channel to the caller. It succeeds once.
func (s *Session) Handoff() (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handedOff || s.released {
		return nil, ErrHandedOff
	}
	s.handedOff = true
	ch := s.channel
	s.channel = nil
	return ch, nil
}

// HandedOff reports whether the channel has been moved to another owner.
func (s *Session) HandedOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handedOff
}

// Release closes the channel if the session still owns it. Releasing twice is
// a no-op; releasing after a handoff returns ErrHandedOff.
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handedOff {
		return ErrHandedOff
	}
	if s.released {
		return nil
	}
	s.released = true
	ch := s.channel
	s.channel = nil
	if ch == nil {
		return nil
	}
	return ch.Close()
}

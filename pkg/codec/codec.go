// Package codec defines the audio codec capability consumed by the streaming
// engine and its interchangeable implementations.
//
// A Codec is opened once per activation into an Instance that owns the
// encoder/decoder state for exactly one stream. Encoded frames always have
// the configured FrameBytes length; any other size is a contract violation.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/silviot/le_audio_endpoint_go/pkg/audio"
)

var (
	// ErrFrameSize is returned when a frame or PCM buffer does not match the
	// configured frame contract.
	ErrFrameSize = errors.New("frame size does not match codec contract")

	// ErrClosed is returned when an instance is used after Close.
	ErrClosed = errors.New("codec instance closed")

	// ErrUnknownCodec is returned by Lookup for names that are not registered.
	ErrUnknownCodec = errors.New("unknown codec")
)

// LC3 octets-per-frame limits.
const (
	MinFrameBytes = 20
	MaxFrameBytes = 400
)

// Params is the fixed framing contract of one codec instance.
type Params struct {
	SampleRate    int
	FrameDuration time.Duration
	FrameBytes    int
	Channels      int
}

// SamplesPerFrame returns samples per channel in one frame.
func (p Params) SamplesPerFrame() int {
	n, _ := audio.SamplesPerFrame(p.SampleRate, p.FrameDuration)
	return n
}

// PCMLength returns the interleaved PCM buffer length for one frame.
func (p Params) PCMLength() int {
	return p.SamplesPerFrame() * p.Channels
}

// Validate checks the parameters are self-consistent.
func (p Params) Validate() error {
	if p.FrameDuration != 7500*time.Microsecond && p.FrameDuration != 10*time.Millisecond {
		return fmt.Errorf("frame duration %s: must be 7.5ms or 10ms", p.FrameDuration)
	}
	if _, err := audio.SamplesPerFrame(p.SampleRate, p.FrameDuration); err != nil {
		return err
	}
	if p.Channels < 1 {
		return fmt.Errorf("channel count %d: must be at least 1", p.Channels)
	}
	if p.FrameBytes < MinFrameBytes*p.Channels || p.FrameBytes > MaxFrameBytes*p.Channels {
		return fmt.Errorf("frame size %d bytes outside [%d, %d] for %d channel(s)",
			p.FrameBytes, MinFrameBytes*p.Channels, MaxFrameBytes*p.Channels, p.Channels)
	}
	if p.FrameBytes%p.Channels != 0 {
		return fmt.Errorf("frame size %d bytes is not divisible by %d channels", p.FrameBytes, p.Channels)
	}
	return nil
}

func (p Params) String() string {
	return fmt.Sprintf("%dHz/%s/%dB/%dch", p.SampleRate, p.FrameDuration, p.FrameBytes, p.Channels)
}

// Codec opens per-stream instances.
type Codec interface {
	// Name identifies the implementation ("stub", "lc3").
	Name() string

	// Validate rejects parameter sets the implementation cannot serve.
	Validate(p Params) error

	// Open creates a fresh instance bound to p.
	Open(p Params) (Instance, error)
}

// Instance is the stateful encoder/decoder pair for one stream. It is not safe
// for concurrent use.
type Instance interface {
	// Encode encodes exactly one frame of interleaved PCM into out and returns
	// the number of bytes written, which equals Params.FrameBytes.
	Encode(pcm []int16, out []byte) (int, error)

	// Decode decodes exactly one frame into out and returns the number of
	// samples per channel written.
	Decode(frame []byte, out []int16) (int, error)

	Close() error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Codec{}
)

// Register makes a codec available to Lookup. It panics on duplicates.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[c.Name()]; dup {
		panic("codec: Register called twice for " + c.Name())
	}
	registry[c.Name()] = c
}

// Lookup returns the registered codec with the given name.
func Lookup(name string) (Codec, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownCodec, name, namesLocked())
	}
	return c, nil
}

// Names lists registered codecs in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(Stub{})
}

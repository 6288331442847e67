package endpoint

import (
	"fmt"
	"strings"
	"time"

	"github.com/silviot/le_audio_endpoint_go/pkg/codec"
	"github.com/silviot/le_audio_endpoint_go/pkg/ltv"
	"github.com/silviot/le_audio_endpoint_go/pkg/transport"
)

// Role is the audio direction this process plays towards the remote peer.
type Role int

const (
	// RoleSink receives and decodes audio.
	RoleSink Role = iota
	// RoleSource encodes and sends audio.
	RoleSource
)

func (r Role) String() string {
	switch r {
	case RoleSink:
		return "sink"
	case RoleSource:
		return "source"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseRole accepts "sink" or "source".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sink":
		return RoleSink, nil
	case "source":
		return RoleSource, nil
	default:
		return 0, fmt.Errorf("unknown role %q (want sink or source)", s)
	}
}

// Config is the fixed stream configuration of the endpoint. FrameBytes
// covers all channels of one frame.
type Config struct {
	Role          Role
	SampleRate    int
	FrameDuration time.Duration
	FrameBytes    int
	Channels      int
}

// DefaultConfig is a mono 48 kHz sink with 10 ms frames of 120 bytes.
func DefaultConfig() Config {
	return Config{
		Role:          RoleSink,
		SampleRate:    48000,
		FrameDuration: 10 * time.Millisecond,
		FrameBytes:    120,
		Channels:      1,
	}
}

// Params returns the codec frame contract for c.
func (c Config) Params() codec.Params {
	return codec.Params{
		SampleRate:    c.SampleRate,
		FrameDuration: c.FrameDuration,
		FrameBytes:    c.FrameBytes,
		Channels:      c.Channels,
	}
}

// Direction maps the role to the transport direction.
func (c Config) Direction() transport.Direction {
	if c.Role == RoleSource {
		return transport.TX
	}
	return transport.RX
}

// Validate rejects inconsistent combinations before any negotiation.
func (c Config) Validate() error {
	if c.Role != RoleSink && c.Role != RoleSource {
		return fmt.Errorf("invalid role %s", c.Role)
	}
	if err := c.Params().Validate(); err != nil {
		return err
	}
	if _, ok := ltv.SampleRateCode(c.SampleRate); !ok {
		return fmt.Errorf("sample rate %d Hz has no LC3 configuration code", c.SampleRate)
	}
	return nil
}

// LTV returns the codec configuration c proposes to the peer.
func (c Config) LTV() ltv.Configuration {
	channels := max(c.Channels, 1)
	return ltv.Configuration{
		SampleRate:        c.SampleRate,
		FrameDuration:     c.FrameDuration,
		ChannelAllocation: ltv.Allocation(channels),
		OctetsPerFrame:    c.FrameBytes / channels,
		FrameBlocks:       1,
	}
}

// Capabilities returns the capability blob advertised at registration.
func (c Config) Capabilities() ([]byte, error) {
	caps, err := ltv.CapabilitiesFor(c.LTV())
	if err != nil {
		return nil, err
	}
	return caps.Bytes(), nil
}

// Matches reports whether a peer configuration describes exactly c.
func (c Config) Matches(conf ltv.Configuration) error {
	want := c.LTV()
	switch {
	case conf.SampleRate != want.SampleRate:
		return fmt.Errorf("sample rate %d Hz, want %d", conf.SampleRate, want.SampleRate)
	case conf.FrameDuration != want.FrameDuration:
		return fmt.Errorf("frame duration %s, want %s", conf.FrameDuration, want.FrameDuration)
	case conf.Channels() != want.Channels():
		return fmt.Errorf("%d channels, want %d", conf.Channels(), want.Channels())
	case conf.OctetsPerFrame != want.OctetsPerFrame:
		return fmt.Errorf("%d octets per frame, want %d", conf.OctetsPerFrame, want.OctetsPerFrame)
	case conf.FrameBlocks != 1:
		return fmt.Errorf("%d frame blocks per SDU, want 1", conf.FrameBlocks)
	}
	return nil
}

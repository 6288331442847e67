// Package ltv encodes and decodes the length-type-value records BlueZ uses to
// carry LC3 codec capabilities and codec configurations.
//
// Each record is one length byte (covering type and value), one type byte and
// a little-endian value.
package ltv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"time"
)

var (
	// ErrMalformed is returned for truncated or zero-length records.
	ErrMalformed = errors.New("malformed LTV")

	// ErrUnsupported is returned when a configuration falls outside the
	// advertised capabilities.
	ErrUnsupported = errors.New("configuration not supported")
)

// Capability record types.
const (
	TypeSupportedSamplingFrequencies byte = 0x01
	TypeSupportedFrameDurations      byte = 0x02
	TypeSupportedChannelCounts       byte = 0x03
	TypeOctetsPerFrameRange          byte = 0x04
	TypeMaxFramesPerSDU              byte = 0x05
)

// Configuration record types.
const (
	TypeSamplingFrequency byte = 0x01
	TypeFrameDuration     byte = 0x02
	TypeChannelAllocation byte = 0x03
	TypeOctetsPerFrame    byte = 0x04
	TypeFrameBlocks       byte = 0x05
)

// Frame duration capability bits.
const (
	Duration7_5ms          uint8 = 0x01
	Duration10ms           uint8 = 0x02
	DurationPrefer7_5ms    uint8 = 0x10
	DurationPrefer10ms     uint8 = 0x20
	frameDurationCode7_5ms byte  = 0x00
	frameDurationCode10ms  byte  = 0x01
)

var sampleRateCodes = []struct {
	code byte
	rate int
}{
	{0x01, 8000},
	{0x02, 11025},
	{0x03, 16000},
	{0x04, 22050},
	{0x05, 24000},
	{0x06, 32000},
	{0x07, 44100},
	{0x08, 48000},
	{0x09, 88200},
	{0x0A, 96000},
	{0x0B, 176400},
	{0x0C, 192000},
	{0x0D, 384000},
}

// SampleRateCode returns the configuration code for rate.
func SampleRateCode(rate int) (byte, bool) {
	for _, s := range sampleRateCodes {
		if s.rate == rate {
			return s.code, true
		}
	}
	return 0, false
}

// SampleRate returns the rate in Hz for a configuration code.
func SampleRate(code byte) (int, bool) {
	for _, s := range sampleRateCodes {
		if s.code == code {
			return s.rate, true
		}
	}
	return 0, false
}

// Record is one decoded LTV.
type Record struct {
	Type  byte
	Value []byte
}

// Parse splits b into records. Value slices alias b.
func Parse(b []byte) ([]Record, error) {
	var out []Record
	for i := 0; i < len(b); {
		l := int(b[i])
		if l == 0 {
			return nil, fmt.Errorf("%w: zero length at offset %d", ErrMalformed, i)
		}
		if i+1+l > len(b) {
			return nil, fmt.Errorf("%w: record at offset %d needs %d bytes, have %d",
				ErrMalformed, i, l, len(b)-i-1)
		}
		out = append(out, Record{Type: b[i+1], Value: b[i+2 : i+1+l]})
		i += 1 + l
	}
	return out, nil
}

// Append encodes one record onto dst.
func Append(dst []byte, typ byte, value []byte) []byte {
	dst = append(dst, byte(len(value)+1), typ)
	return append(dst, value...)
}

// Capabilities is a PAC record for LC3.
type Capabilities struct {
	SamplingFrequencies uint16 // bit n set means code n+1 is supported
	FrameDurations      uint8
	ChannelCounts       uint8 // bit n set means n+1 channels
	MinOctets           uint16
	MaxOctets           uint16
	MaxFramesPerSDU     uint8
}

// ParseCapabilities decodes a capability blob. Unknown types are ignored.
func ParseCapabilities(b []byte) (Capabilities, error) {
	recs, err := Parse(b)
	if err != nil {
		return Capabilities{}, err
	}

	var c Capabilities
	for _, r := range recs {
		switch r.Type {
		case TypeSupportedSamplingFrequencies:
			if len(r.Value) != 2 {
				return c, fmt.Errorf("%w: sampling frequencies length %d", ErrMalformed, len(r.Value))
			}
			c.SamplingFrequencies = binary.LittleEndian.Uint16(r.Value)
		case TypeSupportedFrameDurations:
			if len(r.Value) != 1 {
				return c, fmt.Errorf("%w: frame durations length %d", ErrMalformed, len(r.Value))
			}
			c.FrameDurations = r.Value[0]
		case TypeSupportedChannelCounts:
			if len(r.Value) != 1 {
				return c, fmt.Errorf("%w: channel counts length %d", ErrMalformed, len(r.Value))
			}
			c.ChannelCounts = r.Value[0]
		case TypeOctetsPerFrameRange:
			if len(r.Value) != 4 {
				return c, fmt.Errorf("%w: octets range length %d", ErrMalformed, len(r.Value))
			}
			c.MinOctets = binary.LittleEndian.Uint16(r.Value[0:2])
			c.MaxOctets = binary.LittleEndian.Uint16(r.Value[2:4])
		case TypeMaxFramesPerSDU:
			if len(r.Value) != 1 {
				return c, fmt.Errorf("%w: max frames length %d", ErrMalformed, len(r.Value))
			}
			c.MaxFramesPerSDU = r.Value[0]
		}
	}
	return c, nil
}

// Bytes encodes c. Zero fields are omitted.
func (c Capabilities) Bytes() []byte {
	var b []byte
	if c.SamplingFrequencies != 0 {
		b = Append(b, TypeSupportedSamplingFrequencies, binary.LittleEndian.AppendUint16(nil, c.SamplingFrequencies))
	}
	if c.FrameDurations != 0 {
		b = Append(b, TypeSupportedFrameDurations, []byte{c.FrameDurations})
	}
	if c.ChannelCounts != 0 {
		b = Append(b, TypeSupportedChannelCounts, []byte{c.ChannelCounts})
	}
	if c.MaxOctets != 0 {
		v := binary.LittleEndian.AppendUint16(nil, c.MinOctets)
		b = Append(b, TypeOctetsPerFrameRange, binary.LittleEndian.AppendUint16(v, c.MaxOctets))
	}
	if c.MaxFramesPerSDU != 0 {
		b = Append(b, TypeMaxFramesPerSDU, []byte{c.MaxFramesPerSDU})
	}
	return b
}

// Supports checks cfg against c. Fields missing from c (zero) are not
// constrained.
func (c Capabilities) Supports(cfg Configuration) error {
	if c.SamplingFrequencies != 0 {
		code, ok := SampleRateCode(cfg.SampleRate)
		if !ok || c.SamplingFrequencies&(1<<(code-1)) == 0 {
			return fmt.Errorf("%w: sample rate %d Hz", ErrUnsupported, cfg.SampleRate)
		}
	}
	if c.FrameDurations != 0 {
		var bit uint8
		switch cfg.FrameDuration {
		case 7500 * time.Microsecond:
			bit = Duration7_5ms
		case 10 * time.Millisecond:
			bit = Duration10ms
		}
		if c.FrameDurations&bit == 0 {
			return fmt.Errorf("%w: frame duration %s", ErrUnsupported, cfg.FrameDuration)
		}
	}
	if c.ChannelCounts != 0 {
		n := cfg.Channels()
		if n < 1 || n > 8 || c.ChannelCounts&(1<<(n-1)) == 0 {
			return fmt.Errorf("%w: %d channels", ErrUnsupported, n)
		}
	}
	if c.MaxOctets != 0 {
		if cfg.OctetsPerFrame < int(c.MinOctets) || cfg.OctetsPerFrame > int(c.MaxOctets) {
			return fmt.Errorf("%w: %d octets per frame outside %d..%d",
				ErrUnsupported, cfg.OctetsPerFrame, c.MinOctets, c.MaxOctets)
		}
	}
	if c.MaxFramesPerSDU != 0 && cfg.FrameBlocks > int(c.MaxFramesPerSDU) {
		return fmt.Errorf("%w: %d frame blocks per SDU", ErrUnsupported, cfg.FrameBlocks)
	}
	return nil
}

// Configuration is an LC3 codec configuration. OctetsPerFrame is per
// channel.
type Configuration struct {
	SampleRate        int
	FrameDuration     time.Duration
	ChannelAllocation uint32
	OctetsPerFrame    int
	FrameBlocks       int
}

// Channels returns the number of channels implied by the allocation. An
// absent or zero allocation means mono.
func (c Configuration) Channels() int {
	if n := bits.OnesCount32(c.ChannelAllocation); n > 0 {
		return n
	}
	return 1
}

// ParseConfiguration decodes a configuration blob. Sampling frequency, frame
// duration and octets per frame are required.
func ParseConfiguration(b []byte) (Configuration, error) {
	recs, err := Parse(b)
	if err != nil {
		return Configuration{}, err
	}

	c := Configuration{FrameBlocks: 1}
	var haveRate, haveDuration, haveOctets bool
	for _, r := range recs {
		switch r.Type {
		case TypeSamplingFrequency:
			if len(r.Value) != 1 {
				return c, fmt.Errorf("%w: sampling frequency length %d", ErrMalformed, len(r.Value))
			}
			rate, ok := SampleRate(r.Value[0])
			if !ok {
				return c, fmt.Errorf("%w: sampling frequency code 0x%02x", ErrUnsupported, r.Value[0])
			}
			c.SampleRate, haveRate = rate, true
		case TypeFrameDuration:
			if len(r.Value) != 1 {
				return c, fmt.Errorf("%w: frame duration length %d", ErrMalformed, len(r.Value))
			}
			switch r.Value[0] {
			case frameDurationCode7_5ms:
				c.FrameDuration = 7500 * time.Microsecond
			case frameDurationCode10ms:
				c.FrameDuration = 10 * time.Millisecond
			default:
				return c, fmt.Errorf("%w: frame duration code 0x%02x", ErrUnsupported, r.Value[0])
			}
			haveDuration = true
		case TypeChannelAllocation:
			if len(r.Value) != 4 {
				return c, fmt.Errorf("%w: channel allocation length %d", ErrMalformed, len(r.Value))
			}
			c.ChannelAllocation = binary.LittleEndian.Uint32(r.Value)
		case TypeOctetsPerFrame:
			if len(r.Value) != 2 {
				return c, fmt.Errorf("%w: octets per frame length %d", ErrMalformed, len(r.Value))
			}
			c.OctetsPerFrame, haveOctets = int(binary.LittleEndian.Uint16(r.Value)), true
		case TypeFrameBlocks:
			if len(r.Value) != 1 {
				return c, fmt.Errorf("%w: frame blocks length %d", ErrMalformed, len(r.Value))
			}
			c.FrameBlocks = int(r.Value[0])
		}
	}

	switch {
	case !haveRate:
		return c, fmt.Errorf("%w: missing sampling frequency", ErrMalformed)
	case !haveDuration:
		return c, fmt.Errorf("%w: missing frame duration", ErrMalformed)
	case !haveOctets:
		return c, fmt.Errorf("%w: missing octets per frame", ErrMalformed)
	}
	return c, nil
}

// Bytes encodes c. Channel allocation is omitted when zero, frame blocks when
// one.
func (c Configuration) Bytes() ([]byte, error) {
	code, ok := SampleRateCode(c.SampleRate)
	if !ok {
		return nil, fmt.Errorf("%w: sample rate %d Hz", ErrUnsupported, c.SampleRate)
	}

	var dur byte
	switch c.FrameDuration {
	case 7500 * time.Microsecond:
		dur = frameDurationCode7_5ms
	case 10 * time.Millisecond:
		dur = frameDurationCode10ms
	default:
		return nil, fmt.Errorf("%w: frame duration %s", ErrUnsupported, c.FrameDuration)
	}

	if c.OctetsPerFrame <= 0 || c.OctetsPerFrame > 0xFFFF {
		return nil, fmt.Errorf("%w: octets per frame %d", ErrUnsupported, c.OctetsPerFrame)
	}

	b := Append(nil, TypeSamplingFrequency, []byte{code})
	b = Append(b, TypeFrameDuration, []byte{dur})
	if c.ChannelAllocation != 0 {
		b = Append(b, TypeChannelAllocation, binary.LittleEndian.AppendUint32(nil, c.ChannelAllocation))
	}
	b = Append(b, TypeOctetsPerFrame, binary.LittleEndian.AppendUint16(nil, uint16(c.OctetsPerFrame)))
	if c.FrameBlocks > 1 {
		b = Append(b, TypeFrameBlocks, []byte{byte(c.FrameBlocks)})
	}
	return b, nil
}

// CapabilitiesFor returns the capabilities advertising exactly one
// configuration.
func CapabilitiesFor(cfg Configuration) (Capabilities, error) {
	code, ok := SampleRateCode(cfg.SampleRate)
	if !ok {
		return Capabilities{}, fmt.Errorf("%w: sample rate %d Hz", ErrUnsupported, cfg.SampleRate)
	}

	c := Capabilities{
		SamplingFrequencies: 1 << (code - 1),
		MinOctets:           uint16(cfg.OctetsPerFrame),
		MaxOctets:           uint16(cfg.OctetsPerFrame),
		MaxFramesPerSDU:     1,
	}
	switch cfg.FrameDuration {
	case 7500 * time.Microsecond:
		c.FrameDurations = Duration7_5ms | DurationPrefer7_5ms
	case 10 * time.Millisecond:
		c.FrameDurations = Duration10ms | DurationPrefer10ms
	default:
		return Capabilities{}, fmt.Errorf("%w: frame duration %s", ErrUnsupported, cfg.FrameDuration)
	}
	if n := cfg.Channels(); n <= 8 {
		c.ChannelCounts = 1 << (n - 1)
	}
	return c, nil
}

// Allocation returns a channel allocation covering n channels starting at
// front left. One channel returns zero (mono, no allocation record).
func Allocation(n int) uint32 {
	if n <= 1 {
		return 0
	}
	return uint32(1)<<n - 1
}

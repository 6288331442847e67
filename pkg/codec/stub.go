package codec

import "fmt"

// Stub is a codec that encodes every PCM frame to a zero frame and decodes
// every well-sized frame to silence. It keeps the exact framing contract of a
// real codec so the streaming path can be exercised without liblc3.
type Stub struct{}

func (Stub) Name() string { return "stub" }

func (Stub) Validate(p Params) error { return p.Validate() }

func (s Stub) Open(p Params) (Instance, error) {
	if err := s.Validate(p); err != nil {
		return nil, fmt.Errorf("stub codec: %w", err)
	}
	return &stubInstance{params: p, pcmLen: p.PCMLength()}, nil
}

type stubInstance struct {
	params Params
	pcmLen int
	closed bool
}

func (s *stubInstance) Encode(pcm []int16, out []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(pcm) != s.pcmLen {
		return 0, fmt.Errorf("%w: got %d PCM samples, want %d", ErrFrameSize, len(pcm), s.pcmLen)
	}
	if len(out) < s.params.FrameBytes {
		return 0, fmt.Errorf("%w: output buffer %d bytes, want %d", ErrFrameSize, len(out), s.params.FrameBytes)
	}
	clear(out[:s.params.FrameBytes])
	return s.params.FrameBytes, nil
}

func (s *stubInstance) Decode(frame []byte, out []int16) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(frame) != s.params.FrameBytes {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), s.params.FrameBytes)
	}
	if len(out) < s.pcmLen {
		return 0, fmt.Errorf("%w: PCM buffer %d samples, want %d", ErrFrameSize, len(out), s.pcmLen)
	}
	clear(out[:s.pcmLen])
	return s.params.SamplesPerFrame(), nil
}

func (s *stubInstance) Close() error {
	s.closed = true
	return nil
}

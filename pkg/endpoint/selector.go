package endpoint

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/silviot/le_audio_endpoint_go/pkg/ltv"
)

// Selector decides which configuration to propose for a peer's capability
// blob, and whether a configuration pushed by the peer is acceptable.
type Selector interface {
	Name() string
	Select(caps []byte) ([]byte, error)
	Check(conf []byte) error
}

// StrictSelector only accepts peers that support the local configuration and
// always proposes exactly that configuration.
type StrictSelector struct {
	Config Config
}

func (s StrictSelector) Name() string { return "strict" }

func (s StrictSelector) Select(caps []byte) ([]byte, error) {
	pc, err := ltv.ParseCapabilities(caps)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedConfiguration, err)
	}
	local := s.Config.LTV()
	if err := pc.Supports(local); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedConfiguration, err)
	}
	conf, err := local.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedConfiguration, err)
	}
	return conf, nil
}

func (s StrictSelector) Check(conf []byte) error {
	if len(conf) == 0 {
		return nil
	}
	pc, err := ltv.ParseConfiguration(conf)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedConfiguration, err)
	}
	if err := s.Config.Matches(pc); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedConfiguration, err)
	}
	return nil
}

// EchoSelector returns the peer's capability blob unmodified and accepts any
// configuration. It never fails.
type EchoSelector struct{}

func (EchoSelector) Name() string { return "echo" }

func (EchoSelector) Select(caps []byte) ([]byte, error) {
	return bytes.Clone(caps), nil
}

func (EchoSelector) Check([]byte) error { return nil }

// NewSelector returns the selector for policy ("strict" or "echo"). The
// policy name is case-insensitive.
func NewSelector(policy string, cfg Config) (Selector, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", "strict":
		return StrictSelector{Config: cfg}, nil
	case "echo":
		return EchoSelector{}, nil
	default:
		return nil, fmt.Errorf("unknown selection policy %q", policy)
	}
}

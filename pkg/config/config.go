// Package config loads the daemon configuration.
//
// Configuration comes from an optional YAML file layered over Default(), then
// from a small set of environment variables, then from command line flags
// applied by the caller. Validate must pass before the daemon starts.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/silviot/le_audio_endpoint_go/pkg/codec"
	"github.com/silviot/le_audio_endpoint_go/pkg/endpoint"
	"github.com/silviot/le_audio_endpoint_go/pkg/webrtc"
)

// TX sources.
const (
	SourceTone   = "sine440"
	SourceStdin  = "stdin"
	SourceIngest = "ingest" // websocket ingest and browser microphones
)

// Config is the daemon configuration.
type Config struct {
	// Role is "sink" (decode) or "source" (encode).
	Role string `yaml:"role"`

	SampleRate      int     `yaml:"sample_rate"`
	FrameDurationMs float64 `yaml:"frame_duration_ms"` // 7.5 or 10
	FrameBytes      int     `yaml:"frame_bytes"`
	Channels        int     `yaml:"channels"`

	// Codec is a registered codec name: "stub", or "lc3" when built with liblc3.
	Codec string `yaml:"codec"`

	// SelectionPolicy is "strict" (validate against local capabilities) or
	// "echo" (accept whatever the peer proposes).
	SelectionPolicy string `yaml:"selection_policy"`

	// Adapter is a BlueZ adapter object path. Empty means the first adapter.
	Adapter string `yaml:"adapter"`

	// EndpointPath overrides the exported object path.
	// Default: /leaudio/ep_sink or /leaudio/ep_source
	EndpointPath string `yaml:"endpoint_path"`

	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`

	// CaptureFile receives decoded PCM in the sink role. Empty disables it.
	CaptureFile string `yaml:"capture_file"`

	// TXSource feeds the encoder in the source role.
	TXSource      string  `yaml:"tx_source"`
	ToneFrequency float64 `yaml:"tone_frequency"`

	// HTTPAddr serves status, metrics, websockets and WebRTC signaling.
	// Empty disables the HTTP server.
	HTTPAddr string `yaml:"http_addr"`

	// ForwardURL, when set, receives decoded PCM over a websocket.
	ForwardURL string `yaml:"forward_url"`

	WebRTC WebRTCConfig `yaml:"webrtc"`

	LogLevel string `yaml:"log_level"`
}

// WebRTCConfig configures the browser bridge.
type WebRTCConfig struct {
	Enabled bool                `yaml:"enabled"`
	STUN    []string            `yaml:"stun"`
	TURN    []webrtc.TURNServer `yaml:"turn"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Role:            "sink",
		SampleRate:      48000,
		FrameDurationMs: 10,
		FrameBytes:      120,
		Channels:        1,
		Codec:           "stub",
		SelectionPolicy: "strict",
		AcquireTimeout:  endpoint.DefaultAcquireTimeout,
		StopTimeout:     endpoint.DefaultStopTimeout,
		CaptureFile:     "le_rx_dump.pcm",
		TXSource:        SourceTone,
		ToneFrequency:   440,
		HTTPAddr:        ":8080",
		WebRTC: WebRTCConfig{
			Enabled: true,
			STUN:    []string{"stun:stun.l.google.com:19302"},
		},
		LogLevel: "info",
	}
}

// Load returns Default() overlaid with the YAML file at path, then with the
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// loadFile merges a file into c. Unknown keys are rejected.
func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LE_AUDIO_ADAPTER"); v != "" {
		c.Adapter = v
	}
	if v := os.Getenv("LE_AUDIO_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// FrameDuration returns the frame duration as a time.Duration.
func (c *Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameDurationMs * float64(time.Millisecond))
}

// Endpoint returns the validated endpoint configuration.
func (c *Config) Endpoint() (endpoint.Config, error) {
	role, err := endpoint.ParseRole(c.Role)
	if err != nil {
		return endpoint.Config{}, err
	}
	ec := endpoint.Config{
		Role:          role,
		SampleRate:    c.SampleRate,
		FrameDuration: c.FrameDuration(),
		FrameBytes:    c.FrameBytes,
		Channels:      c.Channels,
	}
	if err := ec.Validate(); err != nil {
		return endpoint.Config{}, err
	}
	return ec, nil
}

// Validate checks the whole configuration, including that the codec is
// available in this build.
func (c *Config) Validate() error {
	var errs []error

	ec, err := c.Endpoint()
	if err != nil {
		errs = append(errs, err)
	}
	if _, err := codec.Lookup(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if _, err := endpoint.NewSelector(c.SelectionPolicy, ec); err != nil {
		errs = append(errs, fmt.Errorf("selection_policy: %w", err))
	}
	switch c.TXSource {
	case SourceTone, SourceStdin, SourceIngest:
	default:
		errs = append(errs, fmt.Errorf("unknown tx_source %q (want %s, %s or %s)", c.TXSource, SourceTone, SourceStdin, SourceIngest))
	}
	if c.TXSource == SourceTone && c.ToneFrequency <= 0 {
		errs = append(errs, fmt.Errorf("tone_frequency must be positive, got %v", c.ToneFrequency))
	}
	if c.AcquireTimeout <= 0 || c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("acquire_timeout and stop_timeout must be positive"))
	}
	if c.EndpointPath != "" && !strings.HasPrefix(c.EndpointPath, "/") {
		errs = append(errs, fmt.Errorf("endpoint_path %q is not an object path", c.EndpointPath))
	}

	return errors.Join(errs...)
}

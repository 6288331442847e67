// Package endpoint implements the negotiation state machine of one LE Audio
// endpoint and couples it to the transport and streaming layers.
//
// All negotiation events are serialized on one mutex. The only blocking work
// done under it is the bounded transport acquisition and the bounded join of
// a stopping engine.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/silviot/le_audio_endpoint_go/pkg/codec"
	"github.com/silviot/le_audio_endpoint_go/pkg/stream"
	"github.com/silviot/le_audio_endpoint_go/pkg/transport"
)

var (
	// ErrUnsupportedConfiguration is returned when the peer's capabilities or
	// configuration do not match the local configuration.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")

	// ErrEngineStillRunning is returned by Activate while an engine that
	// missed its stop timeout has not exited yet. No transport is acquired
	// until it does.
	ErrEngineStillRunning = errors.New("previous streaming engine still running")

	ErrAcquisitionFailed = transport.ErrAcquisitionFailed
	ErrMtuTooSmall       = transport.ErrMtuTooSmall
	ErrCodecOpenFailed   = stream.ErrCodecOpenFailed
	ErrTransportIO       = stream.ErrTransportIO
)

// Default timeouts.
const (
	DefaultAcquireTimeout = 5 * time.Second
	DefaultStopTimeout    = 2 * time.Second
)

// Phase is the negotiation phase.
type Phase int

const (
	Idle Phase = iota
	ConfigurationProposed
	Configured
	Streaming
	Releasing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case ConfigurationProposed:
		return "configuration_proposed"
	case Configured:
		return "configured"
	case Streaming:
		return "streaming"
	case Releasing:
		return "releasing"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// TransportProperties are the properties delivered with SetConfiguration.
type TransportProperties struct {
	Device        string
	Configuration []byte
	State         string
}

// Options wires an Endpoint to its collaborators.
type Options struct {
	Config   Config
	Codec    codec.Codec
	Acquirer transport.Acquirer
	Selector Selector

	// Sink receives decoded PCM (sink role). Source provides PCM (source
	// role). Both are shared by every activation.
	Sink   stream.Sink
	Source stream.Source

	AcquireTimeout time.Duration
	StopTimeout    time.Duration
	Logger         *slog.Logger
}

// Endpoint is one registered endpoint.
type Endpoint struct {
	cfg            Config
	codec          codec.Codec
	acquirer       transport.Acquirer
	selector       Selector
	sink           stream.Sink
	source         stream.Source
	acquireTimeout time.Duration
	stopTimeout    time.Duration
	logger         *slog.Logger

	// eventMu serializes negotiation events.
	eventMu sync.Mutex

	// mu guards the fields below for concurrent Status readers.
	mu          sync.RWMutex
	phase       Phase
	path        string
	peerCaps    []byte
	chosen      []byte
	session     *transport.Session
	engine      *stream.Engine
	stale       *stream.Engine
	activations uint64
	lastErr     error
}

// New validates the configuration against the codec and returns an idle
// endpoint.
func New(opts Options) (*Endpoint, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Codec == nil {
		opts.Codec = codec.Stub{}
	}
	if opts.Acquirer == nil {
		return nil, fmt.Errorf("endpoint: acquirer is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("endpoint config: %w", err)
	}
	if err := opts.Codec.Validate(opts.Config.Params()); err != nil {
		return nil, fmt.Errorf("endpoint config for codec %s: %w", opts.Codec.Name(), err)
	}
	if opts.Config.Role == RoleSource && opts.Source == nil {
		return nil, fmt.Errorf("endpoint: source role requires a PCM source")
	}
	if opts.Selector == nil {
		opts.Selector = StrictSelector{Config: opts.Config}
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}

	return &Endpoint{
		cfg:            opts.Config,
		codec:          opts.Codec,
		acquirer:       opts.Acquirer,
		selector:       opts.Selector,
		sink:           opts.Sink,
		source:         opts.Source,
		acquireTimeout: opts.AcquireTimeout,
		stopTimeout:    opts.StopTimeout,
		logger:         opts.Logger.With("role", opts.Config.Role.String()),
	}, nil
}

// Config returns the endpoint's stream configuration.
func (e *Endpoint) Config() Config {
	return e.cfg
}

// Phase returns the current phase.
func (e *Endpoint) Phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase
}

func (e *Endpoint) setPhase(p Phase) {
	e.mu.Lock()
	prev := e.phase
	e.phase = p
	e.mu.Unlock()
	if prev != p {
		e.logger.Debug("phase change", "from", prev.String(), "to", p.String())
	}
}

// SelectConfiguration answers the peer's capability blob. On failure the
// phase is left unchanged.
func (e *Endpoint) SelectConfiguration(caps []byte) ([]byte, error) {
	e.eventMu.Lock()
	defer e.eventMu.Unlock()

	conf, err := e.selector.Select(caps)
	if err != nil {
		e.logger.Warn("rejecting peer capabilities", "selector", e.selector.Name(), "error", err)
		return nil, err
	}

	e.mu.Lock()
	e.peerCaps = caps
	e.chosen = conf
	if e.phase == Idle {
		e.phase = ConfigurationProposed
	}
	phase := e.phase
	e.mu.Unlock()

	e.logger.Info("configuration selected",
		"selector", e.selector.Name(),
		"caps_len", len(caps),
		"config_len", len(conf),
		"phase", phase.String())

	return conf, nil
}

// Activate acquires the transport at path and starts streaming. An active
// session is torn down first. Any failure leaves the endpoint Idle.
func (e *Endpoint) Activate(ctx context.Context, path string, props TransportProperties) error {
	e.eventMu.Lock()
	defer e.eventMu.Unlock()

	if e.Phase() == Streaming {
		e.logger.Info("reconfiguring: stopping current session", "transport", e.currentPath(), "new_transport", path)
		if err := e.deactivateLocked(ctx); err != nil {
			return e.fail(err)
		}
	}
	if err := e.checkStale(); err != nil {
		return e.fail(err)
	}

	if err := e.selector.Check(props.Configuration); err != nil {
		return e.fail(err)
	}

	e.mu.Lock()
	e.phase = Configured
	e.path = path
	if props.Configuration != nil {
		e.chosen = props.Configuration
	}
	e.mu.Unlock()

	e.logger.Info("transport configured", "transport", path, "device", props.Device, "state", props.State)

	actx, cancel := context.WithTimeout(ctx, e.acquireTimeout)
	sess, err := transport.Open(actx, e.acquirer, path, e.cfg.FrameBytes, e.cfg.Direction())
	cancel()
	if err != nil {
		return e.fail(err)
	}

	e.logger.Info("transport acquired",
		"transport", path,
		"session", sess.ID,
		"read_mtu", sess.ReadMTU,
		"write_mtu", sess.WriteMTU)

	eng, err := stream.Start(stream.Config{
		Session: sess,
		Codec:   e.codec,
		Params:  e.cfg.Params(),
		Sink:    e.sink,
		Source:  e.source,
		Logger:  e.logger,
	})
	if err != nil {
		// Start closes the channel once it has taken it; release covers the
		// cases where it never did.
		sess.Release()
		return e.fail(err)
	}

	e.mu.Lock()
	e.session = sess
	e.engine = eng
	e.phase = Streaming
	e.activations++
	e.lastErr = nil
	e.mu.Unlock()

	go e.watch(eng)

	return nil
}

// fail records err and returns the endpoint to Idle. Caller holds eventMu.
func (e *Endpoint) fail(err error) error {
	e.mu.Lock()
	e.phase = Idle
	e.path = ""
	e.session = nil
	e.engine = nil
	e.lastErr = err
	e.mu.Unlock()

	e.logger.Error("activation failed", "error", err)
	return err
}

// checkStale fails while an engine that missed its stop timeout is alive.
func (e *Endpoint) checkStale() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stale == nil {
		return nil
	}
	select {
	case <-e.stale.Done():
		e.stale = nil
		return nil
	default:
		return fmt.Errorf("%w: session %s", ErrEngineStillRunning, e.stale.SessionID())
	}
}

func (e *Endpoint) currentPath() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.path
}

// watch returns the endpoint to Idle when eng terminates on its own.
func (e *Endpoint) watch(eng *stream.Engine) {
	<-eng.Done()

	e.eventMu.Lock()
	defer e.eventMu.Unlock()

	e.mu.Lock()
	if e.stale == eng {
		e.stale = nil
		e.mu.Unlock()
		e.logger.Info("stale streaming engine exited", "session", eng.SessionID())
		return
	}
	if e.engine != eng {
		e.mu.Unlock()
		return
	}
	e.phase = Idle
	e.path = ""
	e.session = nil
	e.engine = nil
	e.lastErr = eng.Err()
	e.mu.Unlock()

	if err := eng.Err(); err != nil {
		e.logger.Error("streaming session ended", "session", eng.SessionID(), "error", err)
	} else {
		e.logger.Info("streaming session ended", "session", eng.SessionID())
	}
}

// Deactivate stops streaming on path and returns to Idle. It is idempotent;
// a path that is not the active transport is ignored.
func (e *Endpoint) Deactivate(ctx context.Context, path string) error {
	e.eventMu.Lock()
	defer e.eventMu.Unlock()

	if current := e.currentPath(); current != "" && path != current {
		e.logger.Debug("ignoring clear for inactive transport", "transport", path, "active", current)
		return nil
	}

	// A stuck engine is reported by the next Activate; clearing still
	// succeeds.
	e.deactivateLocked(ctx)
	return nil
}

// Release tears down everything. It never fails.
func (e *Endpoint) Release(ctx context.Context) {
	e.eventMu.Lock()
	defer e.eventMu.Unlock()

	e.setPhase(Releasing)
	e.deactivateLocked(ctx)

	e.mu.Lock()
	e.peerCaps = nil
	e.chosen = nil
	e.mu.Unlock()

	e.logger.Info("endpoint released")
}

// deactivateLocked stops the engine, waits at most stopTimeout for it and
// releases the session. The endpoint always ends Idle. An engine that has
// not exited in time is kept as stale and ErrEngineStillRunning is returned.
// Caller holds eventMu.
func (e *Endpoint) deactivateLocked(ctx context.Context) error {
	e.mu.RLock()
	eng, sess, path := e.engine, e.session, e.path
	e.mu.RUnlock()

	var stuck error
	if eng != nil {
		eng.Stop()

		timer := time.NewTimer(e.stopTimeout)
		select {
		case <-eng.Done():
		case <-timer.C:
			e.logger.Warn("streaming engine did not stop in time",
				"session", eng.SessionID(), "timeout", e.stopTimeout)
			stuck = fmt.Errorf("%w: session %s did not stop within %s", ErrEngineStillRunning, eng.SessionID(), e.stopTimeout)
		case <-ctx.Done():
			e.logger.Warn("deactivate cancelled before engine stopped",
				"session", eng.SessionID(), "error", ctx.Err())
			stuck = fmt.Errorf("%w: session %s: %w", ErrEngineStillRunning, eng.SessionID(), ctx.Err())
		}
		timer.Stop()
	}

	if sess != nil {
		if err := sess.Release(); err != nil && !errors.Is(err, transport.ErrHandedOff) {
			e.logger.Warn("session release failed", "session", sess.ID, "error", err)
		}
	}

	e.mu.Lock()
	e.phase = Idle
	e.path = ""
	e.session = nil
	e.engine = nil
	if stuck != nil {
		e.stale = eng
	}
	e.mu.Unlock()

	if path != "" {
		e.logger.Info("transport cleared", "transport", path)
	}
	return stuck
}

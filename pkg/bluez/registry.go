package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/silviot/le_audio_endpoint_go/pkg/endpoint"
	"github.com/silviot/le_audio_endpoint_go/pkg/ltv"
)

// D-Bus error names returned to BlueZ.
const (
	ErrorNotSupported     = "org.bluez.Error.NotSupported"
	ErrorFailed           = "org.bluez.Error.Failed"
	ErrorInvalidArguments = "org.bluez.Error.InvalidArguments"
)

const endpointIntrospection = `<node>
  <interface name="org.bluez.MediaEndpoint1">
    <method name="SelectConfiguration">
      <arg type="ay" name="capabilities" direction="in"/>
      <arg type="ay" name="configuration" direction="out"/>
    </method>
    <method name="SetConfiguration">
      <arg type="o" name="transport" direction="in"/>
      <arg type="a{sv}" name="properties" direction="in"/>
    </method>
    <method name="ClearConfiguration">
      <arg type="o" name="transport" direction="in"/>
    </method>
    <method name="Release"/>
  </interface>` + introspect.IntrospectDataString + `</node>`

// Handler receives the negotiation events BlueZ sends to the endpoint.
// *endpoint.Endpoint implements it.
type Handler interface {
	SelectConfiguration(caps []byte) ([]byte, error)
	Activate(ctx context.Context, path string, props endpoint.TransportProperties) error
	Deactivate(ctx context.Context, path string) error
	Release(ctx context.Context)
}

var _ Handler = (*endpoint.Endpoint)(nil)

// Config holds registration parameters.
type Config struct {
	Conn *dbus.Conn

	// Adapter is the adapter object path. Empty means the first adapter.
	Adapter dbus.ObjectPath

	Path         dbus.ObjectPath
	UUID         string
	Capabilities []byte
	Handler      Handler

	// CallTimeout bounds Register and Unregister calls.
	CallTimeout time.Duration

	Logger *slog.Logger
}

// Registry owns the exported endpoint object and its BlueZ registration.
type Registry struct {
	conn         *dbus.Conn
	adapter      dbus.ObjectPath
	path         dbus.ObjectPath
	uuid         string
	capabilities []byte
	callTimeout  time.Duration
	logger       *slog.Logger

	ep *mediaEndpoint

	mu         sync.Mutex
	exported   bool
	registered bool
}

// NewRegistry validates cfg. Nothing is exported until Register.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Conn == nil {
		return nil, fmt.Errorf("bluez: nil bus connection")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("bluez: nil endpoint handler")
	}
	if !cfg.Path.IsValid() {
		return nil, fmt.Errorf("bluez: invalid endpoint path %q", cfg.Path)
	}
	if cfg.UUID == "" {
		cfg.UUID = PACSinkUUID
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}

	logger := cfg.Logger.With("endpoint", string(cfg.Path))
	return &Registry{
		conn:         cfg.Conn,
		adapter:      cfg.Adapter,
		path:         cfg.Path,
		uuid:         cfg.UUID,
		capabilities: cfg.Capabilities,
		callTimeout:  cfg.CallTimeout,
		logger:       logger,
		ep:           newMediaEndpoint(cfg.Handler, logger),
	}, nil
}

// Adapter returns the adapter the endpoint is (or will be) registered on.
func (r *Registry) Adapter() dbus.ObjectPath {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapter
}

// Released is closed when BlueZ calls Release on the endpoint.
func (r *Registry) Released() <-chan struct{} {
	return r.ep.released
}

// Register exports the endpoint object and registers it with BlueZ.
func (r *Registry) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	if r.adapter == "" {
		adapter, err := FindAdapter(ctx, r.conn)
		if err != nil {
			return err
		}
		r.adapter = adapter
	}

	if err := r.conn.Export(r.ep, r.path, EndpointInterface); err != nil {
		return fmt.Errorf("export %s: %w", EndpointInterface, err)
	}
	if err := r.conn.Export(introspect.Introspectable(endpointIntrospection), r.path, introspectableIface); err != nil {
		r.conn.Export(nil, r.path, EndpointInterface)
		return fmt.Errorf("export introspection: %w", err)
	}
	r.exported = true

	props := registerProperties(r.uuid, r.capabilities)
	media := r.conn.Object(Service, r.adapter)
	if call := media.CallWithContext(ctx, MediaInterface+".RegisterEndpoint", 0, r.path, props); call.Err != nil {
		r.unexportLocked()
		return fmt.Errorf("RegisterEndpoint on %s: %w", r.adapter, call.Err)
	}
	r.registered = true

	r.logger.Info("endpoint registered",
		"adapter", string(r.adapter),
		"uuid", r.uuid,
		"capabilities_len", len(r.capabilities))
	return nil
}

// Unregister removes the BlueZ registration and the exported object. It is
// safe to call more than once.
func (r *Registry) Unregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.registered {
		ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()

		media := r.conn.Object(Service, r.adapter)
		if call := media.CallWithContext(ctx, MediaInterface+".UnregisterEndpoint", 0, r.path); call.Err != nil {
			err = fmt.Errorf("UnregisterEndpoint on %s: %w", r.adapter, call.Err)
		}
		r.registered = false
	}
	r.unexportLocked()

	if err == nil {
		r.logger.Info("endpoint unregistered")
	}
	return err
}

func (r *Registry) unexportLocked() {
	if !r.exported {
		return
	}
	r.conn.Export(nil, r.path, EndpointInterface)
	r.conn.Export(nil, r.path, introspectableIface)
	r.exported = false
}

func registerProperties(uuid string, caps []byte) map[string]dbus.Variant {
	if caps == nil {
		caps = []byte{}
	}
	return map[string]dbus.Variant{
		"UUID":         dbus.MakeVariant(uuid),
		"Codec":        dbus.MakeVariant(CodecLC3),
		"Capabilities": dbus.MakeVariant(caps),
		"Metadata":     dbus.MakeVariant([]byte{}),
	}
}

// mediaEndpoint is the object exported on org.bluez.MediaEndpoint1. godbus
// dispatches each method by name.
type mediaEndpoint struct {
	handler Handler
	logger  *slog.Logger

	releaseOnce sync.Once
	released    chan struct{}
}

func newMediaEndpoint(h Handler, logger *slog.Logger) *mediaEndpoint {
	return &mediaEndpoint{handler: h, logger: logger, released: make(chan struct{})}
}

func (m *mediaEndpoint) SelectConfiguration(caps []byte) ([]byte, *dbus.Error) {
	m.logger.Debug("SelectConfiguration", "capabilities", fmt.Sprintf("% x", caps))
	conf, err := m.handler.SelectConfiguration(caps)
	if err != nil {
		return nil, toDBusError(err)
	}
	return conf, nil
}

func (m *mediaEndpoint) SetConfiguration(path dbus.ObjectPath, props map[string]dbus.Variant) *dbus.Error {
	tp, err := parseTransportProperties(props)
	if err != nil {
		m.logger.Warn("SetConfiguration with bad properties", "transport", string(path), "error", err)
		return toDBusError(err)
	}
	m.logger.Info("SetConfiguration", "transport", string(path), "device", tp.Device)
	if err := m.handler.Activate(context.Background(), string(path), tp); err != nil {
		return toDBusError(err)
	}
	return nil
}

func (m *mediaEndpoint) ClearConfiguration(path dbus.ObjectPath) *dbus.Error {
	m.logger.Info("ClearConfiguration", "transport", string(path))
	if err := m.handler.Deactivate(context.Background(), string(path)); err != nil {
		return toDBusError(err)
	}
	return nil
}

func (m *mediaEndpoint) Release() *dbus.Error {
	m.logger.Info("Release")
	m.handler.Release(context.Background())
	m.releaseOnce.Do(func() { close(m.released) })
	return nil
}

// errInvalidProperty marks a SetConfiguration property of the wrong type.
var errInvalidProperty = errors.New("invalid transport property")

func parseTransportProperties(props map[string]dbus.Variant) (endpoint.TransportProperties, error) {
	var tp endpoint.TransportProperties
	for key, v := range props {
		switch key {
		case "Device":
			p, ok := v.Value().(dbus.ObjectPath)
			if !ok {
				return tp, fmt.Errorf("%w: Device is %s", errInvalidProperty, v.Signature())
			}
			tp.Device = string(p)
		case "Configuration":
			b, ok := v.Value().([]byte)
			if !ok {
				return tp, fmt.Errorf("%w: Configuration is %s", errInvalidProperty, v.Signature())
			}
			tp.Configuration = b
		case "State":
			s, ok := v.Value().(string)
			if !ok {
				return tp, fmt.Errorf("%w: State is %s", errInvalidProperty, v.Signature())
			}
			tp.State = s
		}
	}
	return tp, nil
}

// toDBusError maps endpoint errors onto BlueZ error names.
func toDBusError(err error) *dbus.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errInvalidProperty), errors.Is(err, ltv.ErrMalformed):
		return dbus.NewError(ErrorInvalidArguments, []any{err.Error()})
	case errors.Is(err, endpoint.ErrUnsupportedConfiguration):
		return dbus.NewError(ErrorNotSupported, []any{err.Error()})
	default:
		return dbus.NewError(ErrorFailed, []any{err.Error()})
	}
}

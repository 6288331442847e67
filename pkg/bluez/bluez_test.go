package bluez

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/silviot/le_audio_endpoint_go/pkg/endpoint"
	"github.com/silviot/le_audio_endpoint_go/pkg/ltv"
	"github.com/silviot/le_audio_endpoint_go/pkg/transport"
)

type fakeHandler struct {
	selectErr   error
	activateErr error

	activated   []string
	props       []endpoint.TransportProperties
	deactivated []string
	releases    int
}

func (f *fakeHandler) SelectConfiguration(caps []byte) ([]byte, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	return append([]byte{0xff}, caps...), nil
}

func (f *fakeHandler) Activate(_ context.Context, path string, props endpoint.TransportProperties) error {
	f.activated = append(f.activated, path)
	f.props = append(f.props, props)
	return f.activateErr
}

func (f *fakeHandler) Deactivate(_ context.Context, path string) error {
	f.deactivated = append(f.deactivated, path)
	return nil
}

func (f *fakeHandler) Release(context.Context) {
	f.releases++
}

func TestToDBusError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unsupported", fmt.Errorf("%w: 16 kHz", endpoint.ErrUnsupportedConfiguration), ErrorNotSupported},
		{"malformed caps", fmt.Errorf("%w: %w", endpoint.ErrUnsupportedConfiguration, ltv.ErrMalformed), ErrorInvalidArguments},
		{"bad property", fmt.Errorf("%w: Device", errInvalidProperty), ErrorInvalidArguments},
		{"acquire", fmt.Errorf("%w: timeout", transport.ErrAcquisitionFailed), ErrorFailed},
		{"mtu", transport.ErrMtuTooSmall, ErrorFailed},
		{"codec", endpoint.ErrCodecOpenFailed, ErrorFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toDBusError(tt.err)
			if got == nil || got.Name != tt.want {
				t.Fatalf("got %v, want %s", got, tt.want)
			}
			if len(got.Body) != 1 || got.Body[0] != tt.err.Error() {
				t.Errorf("body = %v", got.Body)
			}
		})
	}

	if toDBusError(nil) != nil {
		t.Error("nil error must map to nil")
	}
}

func TestParseTransportProperties(t *testing.T) {
	conf := []byte{0x02, 0x01, 0x08}
	props := map[string]dbus.Variant{
		"Device":        dbus.MakeVariant(dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")),
		"Configuration": dbus.MakeVariant(conf),
		"State":         dbus.MakeVariant("pending"),
		"QoS":           dbus.MakeVariant(map[string]dbus.Variant{}),
	}

	tp, err := parseTransportProperties(props)
	if err != nil {
		t.Fatal(err)
	}
	if tp.Device != "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF" || tp.State != "pending" {
		t.Errorf("props = %+v", tp)
	}
	if string(tp.Configuration) != string(conf) {
		t.Errorf("configuration = % x", tp.Configuration)
	}

	_, err = parseTransportProperties(map[string]dbus.Variant{"Configuration": dbus.MakeVariant("nope")})
	if !errors.Is(err, errInvalidProperty) {
		t.Errorf("got %v, want errInvalidProperty", err)
	}
}

func TestMediaEndpointDispatch(t *testing.T) {
	h := &fakeHandler{}
	m := newMediaEndpoint(h, slog.Default())

	conf, derr := m.SelectConfiguration([]byte{0x01})
	if derr != nil || len(conf) != 2 || conf[0] != 0xff {
		t.Fatalf("select = % x, %v", conf, derr)
	}

	path := dbus.ObjectPath("/org/bluez/hci0/dev_AA/pac_sink0/fd0")
	props := map[string]dbus.Variant{"State": dbus.MakeVariant("idle")}
	if derr := m.SetConfiguration(path, props); derr != nil {
		t.Fatal(derr)
	}
	if len(h.activated) != 1 || h.activated[0] != string(path) || h.props[0].State != "idle" {
		t.Errorf("activate calls = %v %+v", h.activated, h.props)
	}

	if derr := m.ClearConfiguration(path); derr != nil {
		t.Fatal(derr)
	}
	if len(h.deactivated) != 1 {
		t.Errorf("deactivate calls = %v", h.deactivated)
	}

	m.Release()
	m.Release()
	if h.releases != 2 {
		t.Errorf("releases = %d", h.releases)
	}
	select {
	case <-m.released:
	default:
		t.Error("released channel should be closed")
	}
}

func TestMediaEndpointErrors(t *testing.T) {
	h := &fakeHandler{
		selectErr:   endpoint.ErrUnsupportedConfiguration,
		activateErr: fmt.Errorf("%w: frame 120 bytes", transport.ErrMtuTooSmall),
	}
	m := newMediaEndpoint(h, slog.Default())

	if _, derr := m.SelectConfiguration(nil); derr == nil || derr.Name != ErrorNotSupported {
		t.Errorf("select error = %v", derr)
	}
	if derr := m.SetConfiguration("/t", nil); derr == nil || derr.Name != ErrorFailed {
		t.Errorf("set error = %v", derr)
	}
	bad := map[string]dbus.Variant{"Device": dbus.MakeVariant(42)}
	if derr := m.SetConfiguration("/t", bad); derr == nil || derr.Name != ErrorInvalidArguments {
		t.Errorf("bad props error = %v", derr)
	}
	if len(h.activated) != 1 {
		t.Errorf("invalid properties must not reach the handler, got %d calls", len(h.activated))
	}
}

func TestFirstAdapter(t *testing.T) {
	objects := ManagedObjects{
		"/org/bluez/hci1":              {AdapterInterface: {}},
		"/org/bluez/hci0":              {AdapterInterface: {}},
		"/org/bluez/hci0/dev_AA_BB_CC": {"org.bluez.Device1": {}},
	}
	got, ok := objects.FirstAdapter()
	if !ok || got != "/org/bluez/hci0" {
		t.Errorf("got %q, %v", got, ok)
	}

	if _, ok := (ManagedObjects{}).FirstAdapter(); ok {
		t.Error("empty tree has no adapter")
	}
}

func TestIntrospectionXML(t *testing.T) {
	var node introspect.Node
	if err := xml.Unmarshal([]byte(endpointIntrospection), &node); err != nil {
		t.Fatalf("introspection XML: %v", err)
	}

	var methods []string
	for _, iface := range node.Interfaces {
		if iface.Name == EndpointInterface {
			for _, m := range iface.Methods {
				methods = append(methods, m.Name)
			}
		}
	}
	want := []string{"SelectConfiguration", "SetConfiguration", "ClearConfiguration", "Release"}
	if fmt.Sprint(methods) != fmt.Sprint(want) {
		t.Errorf("methods = %v, want %v", methods, want)
	}
}

func TestRegisterProperties(t *testing.T) {
	caps := []byte{0x03, 0x01, 0x80, 0x00}
	props := registerProperties(PACSinkUUID, caps)

	if props["UUID"].Value() != PACSinkUUID {
		t.Errorf("UUID = %v", props["UUID"])
	}
	if props["Codec"].Value() != CodecLC3 {
		t.Errorf("Codec = %v", props["Codec"])
	}
	if props["Codec"].Signature().String() != "y" {
		t.Errorf("Codec signature = %s, want y", props["Codec"].Signature())
	}
	if got := props["Capabilities"].Value().([]byte); string(got) != string(caps) {
		t.Errorf("Capabilities = % x", got)
	}
}

func TestRolePathsAndUUIDs(t *testing.T) {
	if PathForRole(endpoint.RoleSink) != "/leaudio/ep_sink" || UUIDForRole(endpoint.RoleSink) != PACSinkUUID {
		t.Error("sink defaults")
	}
	if PathForRole(endpoint.RoleSource) != "/leaudio/ep_source" || UUIDForRole(endpoint.RoleSource) != PACSourceUUID {
		t.Error("source defaults")
	}
}

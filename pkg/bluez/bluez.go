// Package bluez connects an endpoint to BlueZ over the D-Bus system bus.
//
// It exports the org.bluez.MediaEndpoint1 object BlueZ drives negotiation
// through, registers it with org.bluez.Media1 on an adapter, and acquires
// transports through org.bluez.MediaTransport1.
package bluez

import (
	"context"
	"fmt"
	"slices"

	"github.com/godbus/dbus/v5"

	"github.com/silviot/le_audio_endpoint_go/pkg/endpoint"
)

const (
	Service            = "org.bluez"
	MediaInterface     = "org.bluez.Media1"
	EndpointInterface  = "org.bluez.MediaEndpoint1"
	TransportInterface = "org.bluez.MediaTransport1"
	AdapterInterface   = "org.bluez.Adapter1"

	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	introspectableIface    = "org.freedesktop.DBus.Introspectable"
)

// PAC service UUIDs.
const (
	PACSinkUUID   = "00002bc9-0000-1000-8000-00805f9b34fb"
	PACSourceUUID = "00002bcb-0000-1000-8000-00805f9b34fb"
)

// CodecLC3 is the LC3 coding format identifier.
const CodecLC3 byte = 0x06

// Default endpoint object paths.
const (
	SinkEndpointPath   dbus.ObjectPath = "/leaudio/ep_sink"
	SourceEndpointPath dbus.ObjectPath = "/leaudio/ep_source"
)

// UUIDForRole returns the PAC UUID a role registers under.
func UUIDForRole(r endpoint.Role) string {
	if r == endpoint.RoleSource {
		return PACSourceUUID
	}
	return PACSinkUUID
}

// PathForRole returns the default endpoint object path for a role.
func PathForRole(r endpoint.Role) dbus.ObjectPath {
	if r == endpoint.RoleSource {
		return SourceEndpointPath
	}
	return SinkEndpointPath
}

// ConnectSystemBus opens a private connection to the system bus.
func ConnectSystemBus() (*dbus.Conn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return conn, nil
}

// ManagedObjects is the reply of ObjectManager.GetManagedObjects.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// FirstAdapter returns the lowest object path implementing Adapter1.
func (m ManagedObjects) FirstAdapter() (dbus.ObjectPath, bool) {
	var adapters []dbus.ObjectPath
	for path, ifaces := range m {
		if _, ok := ifaces[AdapterInterface]; ok {
			adapters = append(adapters, path)
		}
	}
	if len(adapters) == 0 {
		return "", false
	}
	slices.Sort(adapters)
	return adapters[0], true
}

// FindAdapter asks BlueZ for its managed objects and returns the first
// adapter.
func FindAdapter(ctx context.Context, conn *dbus.Conn) (dbus.ObjectPath, error) {
	var objects ManagedObjects
	obj := conn.Object(Service, "/")
	if err := obj.CallWithContext(ctx, objectManagerInterface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return "", fmt.Errorf("get managed objects: %w", err)
	}

	adapter, ok := objects.FirstAdapter()
	if !ok {
		return "", fmt.Errorf("no BlueZ adapter found")
	}
	return adapter, nil
}

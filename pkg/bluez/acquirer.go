package bluez

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/silviot/le_audio_endpoint_go/pkg/transport"
)

// Acquirer acquires BlueZ media transports and wraps the returned ISO socket.
type Acquirer struct {
	Conn *dbus.Conn
}

var _ transport.Acquirer = Acquirer{}

// Acquire calls MediaTransport1.Acquire on path. The reply carries the
// socket and its read and write MTUs.
func (a Acquirer) Acquire(ctx context.Context, path string) (transport.Channel, int, int, error) {
	var (
		fd       dbus.UnixFD
		readMTU  uint16
		writeMTU uint16
	)

	obj := a.Conn.Object(Service, dbus.ObjectPath(path))
	if err := obj.CallWithContext(ctx, TransportInterface+".Acquire", 0).Store(&fd, &readMTU, &writeMTU); err != nil {
		return nil, 0, 0, fmt.Errorf("MediaTransport1.Acquire: %w", err)
	}

	ch, err := transport.NewISOChannel(int(fd))
	if err != nil {
		unix.Close(int(fd))
		return nil, 0, 0, err
	}
	return ch, int(readMTU), int(writeMTU), nil
}

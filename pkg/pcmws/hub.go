// Package pcmws moves raw PCM over websockets: a hub that broadcasts decoded
// frames to listeners, an ingest handler that feeds PCM into the encoder, and
// a client that forwards decoded frames to a remote service.
//
// Binary messages carry interleaved s16le samples. The first message on every
// connection is a JSON text message describing the format.
package pcmws

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/le_audio_endpoint_go/pkg/audio"
)

// Format describes the PCM carried on a connection.
type Format struct {
	Encoding     string `json:"encoding"`
	SampleRate   int    `json:"sample_rate"`
	Channels     int    `json:"channels"`
	FrameSamples int    `json:"frame_samples,omitempty"`
}

// NewFormat returns an s16le format.
func NewFormat(sampleRate, channels, frameSamples int) Format {
	return Format{Encoding: "s16le", SampleRate: sampleRate, Channels: channels, FrameSamples: frameSamples}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HubConfig holds hub configuration
type HubConfig struct {
	Format       Format
	ClientBuffer int           // frames queued per client before it is dropped
	WriteTimeout time.Duration // per-message write deadline
	Logger       *slog.Logger
}

// Hub broadcasts PCM frames to websocket listeners. WritePCM never blocks on
// a client; a client whose queue is full is disconnected.
type Hub struct {
	format       Format
	clientBuffer int
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool

	frames  atomic.Uint64
	dropped atomic.Uint64
}

type hubClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *hubClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NewHub creates a hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Second
	}
	return &Hub{
		format:       cfg.Format,
		clientBuffer: cfg.ClientBuffer,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		clients:      make(map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the listener.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("PCM listener upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &hubClient{
		conn: conn,
		send: make(chan []byte, h.clientBuffer),
		done: make(chan struct{}),
	}

	conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err := conn.WriteJSON(h.format); err != nil {
		conn.Close()
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("PCM listener connected", "remote", r.RemoteAddr, "clients", count)

	go h.writeLoop(c)
	h.readLoop(c)
	h.remove(c)

	h.logger.Info("PCM listener disconnected", "remote", r.RemoteAddr)
}

// readLoop drains control frames until the peer goes away.
func (h *Hub) readLoop(c *hubClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// WritePCM queues one frame for every listener.
func (h *Hub) WritePCM(pcm []int16) error {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return nil
	}
	msg := audio.Int16ToBytes(pcm, nil)

	var slow []*hubClient
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	h.frames.Add(1)
	for _, c := range slow {
		h.dropped.Add(1)
		h.logger.Warn("dropping slow PCM listener", "remote", c.conn.RemoteAddr().String())
		c.close()
	}
	return nil
}

// Clients returns the number of connected listeners.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns the number of listeners disconnected for being slow.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Frames returns the number of frames broadcast to at least one listener.
func (h *Hub) Frames() uint64 {
	return h.frames.Load()
}

// Close disconnects every listener and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*hubClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

package pcmws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/le_audio_endpoint_go/pkg/audio"
)

// ErrNotConnected is returned by WritePCM while the client has no connection.
var ErrNotConnected = errors.New("pcm forwarder not connected")

// Message is a text message received from the remote service.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ClientConfig holds forwarder configuration
type ClientConfig struct {
	URL         string
	Header      http.Header
	Format      Format
	QueueFrames int           // frames buffered while the socket is slow
	MaxBackoff  time.Duration // reconnect backoff cap
	OnMessage   func(Message) // optional
	Logger      *slog.Logger
}

// Client forwards decoded PCM to a remote websocket service, reconnecting
// with backoff when the connection drops. It implements stream.Sink.
type Client struct {
	url        string
	header     http.Header
	format     Format
	maxBackoff time.Duration
	onMessage  func(Message)
	logger     *slog.Logger

	sendCh chan []byte

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewClient creates a forwarder. Nothing is dialed until Connect.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 200
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		url:        cfg.URL,
		header:     cfg.Header,
		format:     cfg.Format,
		maxBackoff: cfg.MaxBackoff,
		onMessage:  cfg.OnMessage,
		logger:     cfg.Logger.With("forward_url", cfg.URL),
		sendCh:     make(chan []byte, cfg.QueueFrames),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Connect dials the remote service and starts the send and read loops.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.writeLoop()

	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	if err := conn.WriteJSON(c.format); err != nil {
		conn.Close()
		return fmt.Errorf("send format: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to PCM forward target")

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

// readLoop handles text messages from the remote service.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.connected = false
			}
			c.mu.Unlock()

			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.logger.Warn("PCM forward connection lost", "error", err)
			c.wg.Add(1)
			go c.reconnect()
			return
		}

		if messageType != websocket.TextMessage || c.onMessage == nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring unparsable message", "error", err)
			continue
		}
		c.onMessage(msg)
	}
}

// reconnect redials with exponential backoff until it succeeds or the
// client is closed.
func (c *Client) reconnect() {
	defer c.wg.Done()

	backoff := 500 * time.Millisecond
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := c.dial(c.ctx); err != nil {
			c.logger.Error("PCM forward reconnection failed", "error", err, "nextBackoff", backoff*2)
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		return
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.sendCh:
			c.mu.Lock()
			conn, ok := c.conn, c.connected
			c.mu.Unlock()
			if !ok {
				c.dropped.Add(1)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.dropped.Add(1)
				// The read loop notices the broken connection and reconnects.
				conn.Close()
				continue
			}
			c.sent.Add(1)
		}
	}
}

// WritePCM queues one frame. It fails fast while disconnected or when the
// queue is full.
func (c *Client) WritePCM(pcm []int16) error {
	if !c.IsConnected() {
		c.dropped.Add(1)
		return ErrNotConnected
	}
	select {
	case c.sendCh <- audio.Int16ToBytes(pcm, nil):
		return nil
	default:
		c.dropped.Add(1)
		return fmt.Errorf("pcm forward queue full")
	}
}

// IsConnected returns whether the connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Sent returns the number of frames written to the socket.
func (c *Client) Sent() uint64 {
	return c.sent.Load()
}

// Dropped returns the number of frames discarded.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Close closes the connection and waits for the loops to exit.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

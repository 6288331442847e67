package pcmws

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/le_audio_endpoint_go/pkg/audio"
)

// Pusher accepts interleaved PCM samples. *stream.QueueSource implements it.
type Pusher interface {
	Push(samples []int16)
}

// IngestConfig holds ingest configuration
type IngestConfig struct {
	Format          Format
	Target          Pusher
	MaxMessageBytes int64
	IdleTimeout     time.Duration
	Logger          *slog.Logger
}

// Ingest accepts PCM from websocket producers and pushes it to Target.
type Ingest struct {
	format          Format
	target          Pusher
	maxMessageBytes int64
	idleTimeout     time.Duration
	logger          *slog.Logger

	active  atomic.Int32
	samples atomic.Uint64
}

// NewIngest creates an ingest handler.
func NewIngest(cfg IngestConfig) *Ingest {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	return &Ingest{
		format:          cfg.Format,
		target:          cfg.Target,
		maxMessageBytes: cfg.MaxMessageBytes,
		idleTimeout:     cfg.IdleTimeout,
		logger:          cfg.Logger,
	}
}

// ServeHTTP upgrades the request and reads binary PCM messages until the
// producer disconnects. Text messages are ignored.
func (i *Ingest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if i.target == nil {
		http.Error(w, "PCM ingest not available for this role", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		i.logger.Warn("PCM producer upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(i.maxMessageBytes)
	if err := conn.WriteJSON(i.format); err != nil {
		return
	}

	i.active.Add(1)
	defer i.active.Add(-1)
	i.logger.Info("PCM producer connected", "remote", r.RemoteAddr)

	var odd []byte
	for {
		conn.SetReadDeadline(time.Now().Add(i.idleTimeout))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				i.logger.Debug("PCM producer read ended", "remote", r.RemoteAddr, "error", err)
			}
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		// A sample may straddle two messages.
		if len(odd) > 0 {
			data = append(odd, data...)
			odd = nil
		}
		if len(data)%2 == 1 {
			odd = []byte{data[len(data)-1]}
			data = data[:len(data)-1]
		}

		samples := audio.BytesToInt16(data)
		i.samples.Add(uint64(len(samples)))
		i.target.Push(samples)
	}

	i.logger.Info("PCM producer disconnected", "remote", r.RemoteAddr)
}

// Active returns the number of connected producers.
func (i *Ingest) Active() int {
	return int(i.active.Load())
}

// Samples returns the number of samples received.
func (i *Ingest) Samples() uint64 {
	return i.samples.Load()
}

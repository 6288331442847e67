// Package stream implements the real-time loop that moves fixed-size frames
// between an acquired transport channel and PCM buffers.
//
// An Engine runs on its own goroutine for the lifetime of one transport
// session. It takes ownership of the session's channel and of a freshly
// opened codec instance, and releases both exactly once when it stops.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/silviot/le_audio_endpoint_go/pkg/codec"
	"github.com/silviot/le_audio_endpoint_go/pkg/transport"
)

var (
	// ErrCodecOpenFailed is returned by Start when the codec cannot be opened.
	ErrCodecOpenFailed = errors.New("codec open failed")

	// ErrTransportIO terminates a session on a non-transient read or write
	// error.
	ErrTransportIO = errors.New("transport I/O error")

	// ErrDecodeFrame marks a frame that could not be decoded. It is counted
	// and replaced with silence, never returned from the loop.
	ErrDecodeFrame = errors.New("frame decode failed")

	// ErrFrameContract terminates a session when the codec produces a frame
	// whose size differs from the configured frame size, or cannot encode
	// silence in place of a frame it failed to encode.
	ErrFrameContract = errors.New("codec violated frame contract")
)

// ioTimeoutPeriods bounds each blocking read or write, in frame periods. It
// is also the worst-case latency between Stop and loop exit.
const ioTimeoutPeriods = 2

// txReadShare is the percentage of a TX period the source may block for.
const txReadShare = 50

// Config configures one engine run.
type Config struct {
	Session *transport.Session
	Codec   codec.Codec
	Params  codec.Params

	// Sink receives decoded PCM in RX direction. The buffer is reused for the
	// next frame; sinks must copy what they keep.
	Sink Sink

	// Source provides PCM in TX direction.
	Source Source

	Logger *slog.Logger
}

// Engine is one running streaming loop.
type Engine struct {
	sessionID string
	path      string
	dir       transport.Direction
	params    codec.Params
	readMTU   int

	ch   transport.Channel
	inst codec.Instance

	sink   Sink
	source Source

	logger *slog.Logger
	stats  *Stats

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopCh   chan struct{}

	releaseOnce sync.Once
	done        chan struct{}
	err         error
}

// Start takes ownership of the session's channel, opens a fresh codec
// instance and starts the loop on a new goroutine. If the codec fails to
// open, the channel is closed before Start returns and no goroutine runs.
func Start(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("stream: nil session")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("stream: nil codec")
	}
	if cfg.Session.Direction == transport.TX && cfg.Source == nil {
		return nil, fmt.Errorf("stream: TX direction requires a PCM source")
	}

	ch, err := cfg.Session.Handoff()
	if err != nil {
		return nil, fmt.Errorf("stream: take channel: %w", err)
	}

	inst, err := cfg.Codec.Open(cfg.Params)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: %s %s: %w", ErrCodecOpenFailed, cfg.Codec.Name(), cfg.Params, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		sessionID: cfg.Session.ID,
		path:      cfg.Session.Path,
		dir:       cfg.Session.Direction,
		params:    cfg.Params,
		readMTU:   cfg.Session.ReadMTU,
		ch:        ch,
		inst:      inst,
		sink:      cfg.Sink,
		source:    cfg.Source,
		logger:    cfg.Logger.With("session", cfg.Session.ID, "direction", cfg.Session.Direction.String()),
		stats:     &Stats{},
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	go e.run()

	return e, nil
}

// SessionID returns the ID of the session this engine streams.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Stats returns the live counters.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// Stop requests a graceful stop. It does not wait; use Wait or Done.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.cancel()
	})
}

// Done is closed after the loop has exited and all resources are released.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the reason the loop terminated. It is nil for a requested stop
// and only meaningful after Done is closed.
func (e *Engine) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Wait blocks until the loop has exited or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) ioTimeout() time.Duration {
	return ioTimeoutPeriods * e.params.FrameDuration
}

func (e *Engine) run() {
	defer close(e.done)

	e.logger.Info("streaming started",
		"transport", e.path,
		"params", e.params.String())

	var err error
	switch e.dir {
	case transport.RX:
		err = e.runRX()
	case transport.TX:
		err = e.runTX()
	default:
		err = fmt.Errorf("stream: unknown direction %s", e.dir)
	}

	e.release()
	e.err = err

	snap := e.stats.Snapshot()
	if err != nil {
		e.logger.Error("streaming terminated", "error", err,
			"frames_in", snap.FramesIn, "frames_out", snap.FramesOut)
	} else {
		e.logger.Info("streaming stopped",
			"frames_in", snap.FramesIn, "frames_out", snap.FramesOut,
			"decode_errors", snap.DecodeErrors, "underruns", snap.Underruns)
	}
}

// release closes the codec instance and the channel exactly once.
func (e *Engine) release() {
	e.releaseOnce.Do(func() {
		e.cancel()
		if err := e.inst.Close(); err != nil {
			e.logger.Warn("codec close failed", "error", err)
		}
		if err := e.ch.Close(); err != nil {
			e.logger.Warn("channel close failed", "error", err)
		}
	})
}

// runRX reads one frame per iteration, decodes it and hands PCM downstream.
func (e *Engine) runRX() error {
	// Sized to the MTU so an oversized SDU shows up as a wrong-length frame
	// instead of being silently truncated to frame size.
	frame := make([]byte, max(e.readMTU, e.params.FrameBytes))
	pcm := make([]int16, e.params.PCMLength())

	for {
		if e.stopping() {
			return nil
		}

		if err := e.ch.SetReadDeadline(time.Now().Add(e.ioTimeout())); err != nil {
			if e.stopping() {
				return nil
			}
			return fmt.Errorf("%w: set read deadline: %w", ErrTransportIO, err)
		}
		n, err := e.ch.Read(frame)
		if err != nil {
			switch {
			case transport.IsTimeout(err):
				e.stats.timeouts.Add(1)
				continue
			case transport.IsTransient(err):
				e.stats.retries.Add(1)
				continue
			default:
				if e.stopping() {
					return nil
				}
				return fmt.Errorf("%w: read: %w", ErrTransportIO, err)
			}
		}

		// ISO links deliver in bursts per connection interval; an empty read
		// means nothing has arrived yet.
		if n == 0 {
			continue
		}

		count := e.stats.framesIn.Add(1)

		if _, err := e.inst.Decode(frame[:n], pcm); err != nil {
			decodeErrors := e.stats.decodeErrors.Add(1)
			clear(pcm)
			if decodeErrors%100 == 1 {
				e.logger.Warn("substituting silence for undecodable frame",
					"error", fmt.Errorf("%w: %w", ErrDecodeFrame, err),
					"bytes", n, "decode_errors", decodeErrors)
			}
		}

		if count%500 == 1 {
			e.logger.Debug("rx frame", "bytes", n, "frame_count", count)
		}

		if e.sink != nil {
			if err := e.sink.WritePCM(pcm); err != nil {
				sinkErrors := e.stats.sinkErrors.Add(1)
				if sinkErrors%100 == 1 {
					e.logger.Warn("PCM sink write failed", "error", err, "sink_errors", sinkErrors)
				}
			}
		}
	}
}

// runTX produces one frame per frame period, paced by a ticker so slow
// iterations do not accumulate drift.
func (e *Engine) runTX() error {
	period := e.params.FrameDuration
	frame := make([]byte, e.params.FrameBytes)
	pcm := make([]int16, e.params.PCMLength())

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		var tick time.Time
		select {
		case <-e.stopCh:
			return nil
		case tick = <-ticker.C:
		}

		// The read must end well before the next tick, leaving the rest of
		// the period for encode and write.
		e.fillPCM(pcm, tick.Add(period*txReadShare/100))

		n, err := e.inst.Encode(pcm, frame)
		if err != nil {
			encodeErrors := e.stats.encodeErrors.Add(1)
			if encodeErrors%100 == 1 {
				e.logger.Warn("encode failed, sending silence", "error", err, "encode_errors", encodeErrors)
			}
			clear(pcm)
			if n, err = e.inst.Encode(pcm, frame); err != nil {
				return fmt.Errorf("%w: silence encode failed: %w", ErrFrameContract, err)
			}
		}
		if n != e.params.FrameBytes {
			return fmt.Errorf("%w: encoded %d bytes, want %d", ErrFrameContract, n, e.params.FrameBytes)
		}

		sent, err := e.writeFrame(frame[:n])
		if err != nil {
			return err
		}
		if !sent {
			continue
		}

		count := e.stats.framesOut.Add(1)
		if count%500 == 1 {
			e.logger.Debug("tx frame", "bytes", n, "frame_count", count)
		}
	}
}

// fillPCM asks the source for one frame of PCM, waiting until deadline at
// most, and pads whatever is missing with silence.
func (e *Engine) fillPCM(pcm []int16, deadline time.Time) {
	ctx, cancel := context.WithDeadline(e.ctx, deadline)
	n, err := e.source.ReadPCM(ctx, pcm)
	cancel()

	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		sourceErrors := e.stats.sourceErrors.Add(1)
		if sourceErrors%100 == 1 {
			e.logger.Warn("PCM source read failed", "error", err, "source_errors", sourceErrors)
		}
	}

	n = min(max(n, 0), len(pcm))
	if n < len(pcm) {
		clear(pcm[n:])
		e.stats.underruns.Add(1)
	}
}

// writeFrame writes one frame, retrying transient interruptions. It reports
// false when the write timed out or a stop was requested, in which case the
// frame is dropped to keep cadence.
func (e *Engine) writeFrame(frame []byte) (bool, error) {
	for {
		if e.stopping() {
			return false, nil
		}

		if err := e.ch.SetWriteDeadline(time.Now().Add(e.ioTimeout())); err != nil {
			return false, fmt.Errorf("%w: set write deadline: %w", ErrTransportIO, err)
		}
		_, err := e.ch.Write(frame)
		if err == nil {
			return true, nil
		}

		switch {
		case transport.IsTransient(err):
			e.stats.retries.Add(1)
			continue
		case transport.IsTimeout(err):
			e.stats.timeouts.Add(1)
			e.stats.dropped.Add(1)
			return false, nil
		default:
			return false, fmt.Errorf("%w: write: %w", ErrTransportIO, err)
		}
	}
}

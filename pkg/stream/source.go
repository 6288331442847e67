package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/silviot/le_audio_endpoint_go/pkg/audio"
)

// Source provides interleaved PCM for the TX direction. ReadPCM fills as much
// of pcm as is available before ctx is done and returns the number of samples
// written; the engine pads the rest with silence.
type Source interface {
	ReadPCM(ctx context.Context, pcm []int16) (int, error)
}

// ToneSource generates a continuous sine tone.
type ToneSource struct {
	mu       sync.Mutex
	gen      *audio.ToneGenerator
	channels int
}

// NewToneSource returns a tone of freq Hz.
func NewToneSource(sampleRate, channels int, freq float64) *ToneSource {
	return &ToneSource{
		gen:      audio.NewToneGenerator(sampleRate, freq),
		channels: channels,
	}
}

func (s *ToneSource) ReadPCM(_ context.Context, pcm []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen.Fill(pcm, s.channels)
	return len(pcm), nil
}

// QueueSource is a bounded push-based source fed by producers running at
// their own pace (stdin reader, websocket ingest, WebRTC bridge).
type QueueSource struct {
	mu      sync.Mutex
	pending []int16
	limit   int
	closed  bool
	notify  chan struct{}
	space   chan struct{}

	dropped atomic.Uint64
}

// NewQueueSource keeps at most limit samples; older samples are dropped when
// producers run ahead.
func NewQueueSource(limit int) *QueueSource {
	if limit <= 0 {
		limit = 48000
	}
	return &QueueSource{
		limit:  limit,
		notify: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
}

// Push appends samples, dropping the oldest queued samples beyond the limit.
func (q *QueueSource) Push(samples []int16) {
	if len(samples) == 0 {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, samples...)
	if over := len(q.pending) - q.limit; over > 0 {
		q.dropped.Add(uint64(over))
		q.pending = append(q.pending[:0:0], q.pending[over:]...)
	}
	q.mu.Unlock()

	signal(q.notify)
}

// PushWait appends samples, waiting for room instead of dropping. It returns
// false if the queue was closed before every sample was queued. Only one
// producer may wait at a time.
func (q *QueueSource) PushWait(samples []int16) bool {
	for len(samples) > 0 {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false
		}
		n := min(q.limit-len(q.pending), len(samples))
		if n > 0 {
			q.pending = append(q.pending, samples[:n]...)
			samples = samples[n:]
		}
		q.mu.Unlock()

		if n > 0 {
			signal(q.notify)
		}
		if len(samples) > 0 {
			<-q.space
		}
	}
	return true
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Len returns the number of queued samples.
func (q *QueueSource) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Dropped returns the number of samples discarded due to overflow.
func (q *QueueSource) Dropped() uint64 {
	return q.dropped.Load()
}

// Close wakes any reader; later pushes are ignored.
func (q *QueueSource) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	signal(q.notify)
	signal(q.space)
}

func (q *QueueSource) ReadPCM(ctx context.Context, pcm []int16) (int, error) {
	filled := 0
	for {
		q.mu.Lock()
		n := copy(pcm[filled:], q.pending)
		q.pending = q.pending[n:]
		closed := q.closed
		q.mu.Unlock()

		if n > 0 {
			signal(q.space)
		}
		filled += n
		if filled == len(pcm) {
			return filled, nil
		}
		if closed {
			return filled, io.EOF
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return filled, ctx.Err()
		}
	}
}

// ReaderSource feeds a QueueSource from an io.Reader of s16le PCM, such as
// stdin. The reader is paced by the consumer: it blocks while the queue is
// full, so no input is dropped.
type ReaderSource struct {
	*QueueSource
	logger *slog.Logger
	done   chan struct{}
}

// NewReaderSource starts a goroutine reading r in chunkSamples-sized blocks.
// The goroutine exits at EOF, on the first read error or when the source is
// closed.
func NewReaderSource(r io.Reader, chunkSamples int, logger *slog.Logger) *ReaderSource {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ReaderSource{
		QueueSource: NewQueueSource(chunkSamples * 50),
		logger:      logger,
		done:        make(chan struct{}),
	}
	go s.readLoop(r, chunkSamples)
	return s
}

// Done is closed when the reader goroutine has exited.
func (s *ReaderSource) Done() <-chan struct{} {
	return s.done
}

func (s *ReaderSource) readLoop(r io.Reader, chunkSamples int) {
	defer close(s.done)

	buf := make([]byte, chunkSamples*2)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 && !s.PushWait(audio.BytesToInt16(buf[:n])) {
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Info("PCM input reached end of stream")
			} else {
				s.logger.Error("PCM input read failed", "error", err)
			}
			return
		}
	}
}

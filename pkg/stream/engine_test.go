package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/silviot/le_audio_endpoint_go/pkg/audio"
	"github.com/silviot/le_audio_endpoint_go/pkg/codec"
	"github.com/silviot/le_audio_endpoint_go/pkg/transport"
	"github.com/silviot/le_audio_endpoint_go/pkg/transport/transporttest"
)

var testParams = codec.Params{
	SampleRate:    48000,
	FrameDuration: 10 * time.Millisecond,
	FrameBytes:    120,
	Channels:      1,
}

// levelCodec decodes a frame to PCM where every sample equals the first frame
// byte, so tests can tell real frames from substituted silence.
type levelCodec struct {
	openErr error

	mu     sync.Mutex
	closed int
}

func (c *levelCodec) Name() string                  { return "level" }
func (c *levelCodec) Validate(p codec.Params) error { return p.Validate() }

func (c *levelCodec) Open(p codec.Params) (codec.Instance, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return &levelInstance{c: c, p: p}, nil
}

func (c *levelCodec) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type levelInstance struct {
	c *levelCodec
	p codec.Params
}

func (l *levelInstance) Encode(pcm []int16, out []byte) (int, error) {
	if len(pcm) != l.p.PCMLength() {
		return 0, codec.ErrFrameSize
	}
	for i := range out[:l.p.FrameBytes] {
		out[i] = byte(pcm[0])
	}
	return l.p.FrameBytes, nil
}

func (l *levelInstance) Decode(frame []byte, out []int16) (int, error) {
	if len(frame) != l.p.FrameBytes {
		return 0, fmt.Errorf("%w: %d bytes", codec.ErrFrameSize, len(frame))
	}
	for i := range out[:l.p.PCMLength()] {
		out[i] = int16(frame[0])
	}
	return l.p.SamplesPerFrame(), nil
}

func (l *levelInstance) Close() error {
	l.c.mu.Lock()
	l.c.closed++
	l.c.mu.Unlock()
	return nil
}

// recordingSink keeps a copy of every PCM buffer.
type recordingSink struct {
	mu     sync.Mutex
	frames [][]int16
	notify chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 100)}
}

func (r *recordingSink) WritePCM(pcm []int16) error {
	cp := make([]int16, len(pcm))
	copy(cp, pcm)
	r.mu.Lock()
	r.frames = append(r.frames, cp)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordingSink) frame(i int) []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[i]
}

func (r *recordingSink) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for r.count() < n {
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, r.count())
		}
	}
}

func frameOf(level byte, size int) []byte {
	f := make([]byte, size)
	for i := range f {
		f[i] = level
	}
	return f
}

func startRX(t *testing.T, c codec.Codec, sink Sink) (*Engine, *transporttest.FakeChannel) {
	t.Helper()
	ch := transporttest.NewFakeChannel()
	sess := transport.NewSession("/org/bluez/hci0/dev_AA/fd0", ch, 251, 251, transport.RX)
	e, err := Start(Config{Session: sess, Codec: c, Params: testParams, Sink: sink, Logger: slog.Default()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		e.Stop()
		<-e.Done()
	})
	return e, ch
}

func waitDone(t *testing.T, e *Engine, within time.Duration) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(within):
		t.Fatalf("engine did not terminate within %s", within)
	}
}

func TestRXDecodesFrames(t *testing.T) {
	sink := newRecordingSink()
	c := &levelCodec{}
	e, ch := startRX(t, c, sink)

	ch.PushFrame(frameOf(3, 120))
	ch.PushFrame(frameOf(5, 120))
	sink.waitFor(t, 2)

	if got := sink.frame(0); len(got) != 480 || got[0] != 3 {
		t.Errorf("frame 0 = len %d first %d", len(got), got[0])
	}
	if got := sink.frame(1); got[479] != 5 {
		t.Errorf("frame 1 last sample = %d", got[479])
	}
	if e.Stats().Snapshot().FramesIn != 2 {
		t.Errorf("frames_in = %d", e.Stats().Snapshot().FramesIn)
	}
}

func TestRXSubstitutesSilenceForCorruptFrame(t *testing.T) {
	sink := newRecordingSink()
	e, ch := startRX(t, &levelCodec{}, sink)

	ch.PushFrame(frameOf(9, 120))
	ch.PushFrame(frameOf(9, 77)) // wrong length
	ch.PushFrame(frameOf(4, 120))
	sink.waitFor(t, 3)

	corrupt := sink.frame(1)
	if len(corrupt) != 480 {
		t.Fatalf("silence buffer has %d samples, want 480", len(corrupt))
	}
	if !audio.IsSilent(corrupt) {
		t.Error("corrupt frame should be replaced by silence")
	}
	if sink.frame(2)[0] != 4 {
		t.Error("loop should continue after a decode failure")
	}

	select {
	case <-e.Done():
		t.Fatal("decode failure must not terminate the loop")
	default:
	}
	if got := e.Stats().Snapshot().DecodeErrors; got != 1 {
		t.Errorf("decode_errors = %d, want 1", got)
	}
}

func TestRXRetriesTransientAndEmptyReads(t *testing.T) {
	sink := newRecordingSink()
	e, ch := startRX(t, &levelCodec{}, sink)

	ch.PushRead(transporttest.ReadResult{Err: fmt.Errorf("iso read: %w", unix.EINTR)})
	ch.PushRead(transporttest.ReadResult{Data: nil}) // zero-byte read
	ch.PushRead(transporttest.ReadResult{Err: unix.EAGAIN})
	ch.PushFrame(frameOf(1, 120))
	sink.waitFor(t, 1)

	select {
	case <-e.Done():
		t.Fatalf("transient errors must not terminate the loop: %v", e.Err())
	default:
	}
	if got := e.Stats().Snapshot().Retries; got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
	if sink.count() != 1 {
		t.Errorf("zero-byte read must not produce PCM, got %d frames", sink.count())
	}
}

func TestRXPermanentErrorTerminatesAndReleasesOnce(t *testing.T) {
	c := &levelCodec{}
	e, ch := startRX(t, c, newRecordingSink())

	ch.PushRead(transporttest.ReadResult{Err: unix.ECONNRESET})
	waitDone(t, e, time.Second)

	if !errors.Is(e.Err(), ErrTransportIO) {
		t.Fatalf("err = %v, want ErrTransportIO", e.Err())
	}
	if !errors.Is(e.Err(), unix.ECONNRESET) {
		t.Errorf("cause lost: %v", e.Err())
	}

	e.Stop() // after termination: must not release again
	if ch.CloseCount() != 1 {
		t.Errorf("channel closed %d times, want 1", ch.CloseCount())
	}
	if c.closeCount() != 1 {
		t.Errorf("codec closed %d times, want 1", c.closeCount())
	}
}

func TestStopIsBoundedWithoutTraffic(t *testing.T) {
	e, ch := startRX(t, &levelCodec{}, nil)

	time.Sleep(15 * time.Millisecond)
	start := time.Now()
	e.Stop()
	waitDone(t, e, time.Second)

	if elapsed := time.Since(start); elapsed > 5*ioTimeoutPeriods*testParams.FrameDuration {
		t.Errorf("stop took %s", elapsed)
	}
	if e.Err() != nil {
		t.Errorf("requested stop should not report an error: %v", e.Err())
	}
	if ch.CloseCount() != 1 {
		t.Errorf("channel closed %d times", ch.CloseCount())
	}
}

func TestStartCodecOpenFailureClosesChannel(t *testing.T) {
	ch := transporttest.NewFakeChannel()
	sess := transport.NewSession("/t", ch, 251, 251, transport.RX)

	_, err := Start(Config{Session: sess, Codec: &levelCodec{openErr: errors.New("no memory")}, Params: testParams})
	if !errors.Is(err, ErrCodecOpenFailed) {
		t.Fatalf("got %v, want ErrCodecOpenFailed", err)
	}
	if ch.CloseCount() != 1 {
		t.Errorf("channel closed %d times, want 1", ch.CloseCount())
	}
	if !sess.HandedOff() {
		t.Error("session must have handed off the channel")
	}
}

func TestStartRequiresSourceForTX(t *testing.T) {
	sess := transport.NewSession("/t", transporttest.NewFakeChannel(), 251, 251, transport.TX)
	if _, err := Start(Config{Session: sess, Codec: codec.Stub{}, Params: testParams}); err == nil {
		t.Fatal("expected error without a source")
	}
}

func startTX(t *testing.T, src Source) (*Engine, *transporttest.FakeChannel) {
	t.Helper()
	ch := transporttest.NewFakeChannel()
	sess := transport.NewSession("/t", ch, 251, 251, transport.TX)
	e, err := Start(Config{Session: sess, Codec: &levelCodec{}, Params: testParams, Source: src})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		e.Stop()
		<-e.Done()
	})
	return e, ch
}

func waitWritten(t *testing.T, ch *transporttest.FakeChannel, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w := ch.Written(); len(w) >= n {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d written frames, got %d", n, len(ch.Written()))
	return nil
}

func TestTXWritesWholeFrames(t *testing.T) {
	_, ch := startTX(t, NewToneSource(48000, 1, 440))

	for i, f := range waitWritten(t, ch, 3) {
		if len(f) != 120 {
			t.Errorf("frame %d has %d bytes, want 120", i, len(f))
		}
	}
}

func TestTXPadsUnderrunWithSilence(t *testing.T) {
	q := NewQueueSource(4800)
	q.Push([]int16{7, 7, 7}) // far less than one frame

	e, ch := startTX(t, q)
	written := waitWritten(t, ch, 2)

	if written[0][0] != 7 {
		t.Errorf("first frame should carry queued samples, got level %d", written[0][0])
	}
	if written[1][0] != 0 {
		t.Errorf("second frame should be silence, got level %d", written[1][0])
	}
	if e.Stats().Snapshot().Underruns == 0 {
		t.Error("expected underruns to be counted")
	}
}

func TestTXKeepsCadenceOnUnderrun(t *testing.T) {
	q := NewQueueSource(4800)
	start := time.Now()
	e, ch := startTX(t, q)

	time.Sleep(2 * time.Second)
	got := len(ch.Written())
	want := int(time.Since(start) / testParams.FrameDuration)

	if got < want-3 {
		t.Errorf("wrote %d frames in %d periods of underrun", got, want)
	}
	if e.Stats().Snapshot().Underruns < uint64(got)-1 {
		t.Errorf("underruns = %d for %d silent frames", e.Stats().Snapshot().Underruns, got)
	}
}

type constSource int16

func (c constSource) ReadPCM(_ context.Context, pcm []int16) (int, error) {
	for i := range pcm {
		pcm[i] = int16(c)
	}
	return len(pcm), nil
}

// pickyCodec fails to encode PCM whose first sample is in reject.
type pickyCodec struct {
	levelCodec
	reject map[int16]bool
}

func (c *pickyCodec) Open(p codec.Params) (codec.Instance, error) {
	inst, err := c.levelCodec.Open(p)
	if err != nil {
		return nil, err
	}
	return &pickyInstance{Instance: inst, reject: c.reject}, nil
}

type pickyInstance struct {
	codec.Instance
	reject map[int16]bool
}

func (p *pickyInstance) Encode(pcm []int16, out []byte) (int, error) {
	if p.reject[pcm[0]] {
		return 0, errors.New("encoder rejected input")
	}
	return p.Instance.Encode(pcm, out)
}

func TestTXEncodeFailureSendsSilence(t *testing.T) {
	ch := transporttest.NewFakeChannel()
	sess := transport.NewSession("/t", ch, 251, 251, transport.TX)
	c := &pickyCodec{reject: map[int16]bool{9: true}}
	e, err := Start(Config{Session: sess, Codec: c, Params: testParams, Source: constSource(9)})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		e.Stop()
		<-e.Done()
	}()

	for i, f := range waitWritten(t, ch, 3) {
		if len(f) != 120 || f[0] != 0 {
			t.Errorf("frame %d: %d bytes at level %d, want silence", i, len(f), f[0])
		}
	}
	if e.Stats().Snapshot().EncodeErrors < 3 {
		t.Errorf("encode errors = %d", e.Stats().Snapshot().EncodeErrors)
	}
}

func TestTXSilenceEncodeFailureTerminates(t *testing.T) {
	ch := transporttest.NewFakeChannel()
	sess := transport.NewSession("/t", ch, 251, 251, transport.TX)
	c := &pickyCodec{reject: map[int16]bool{0: true, 9: true}}
	e, err := Start(Config{Session: sess, Codec: c, Params: testParams, Source: constSource(9)})
	if err != nil {
		t.Fatal(err)
	}

	waitDone(t, e, time.Second)
	if !errors.Is(e.Err(), ErrFrameContract) {
		t.Fatalf("err = %v", e.Err())
	}
	if len(ch.Written()) != 0 {
		t.Errorf("wrote %d frames", len(ch.Written()))
	}
}

func TestDeadlineFailureTerminates(t *testing.T) {
	tests := []struct {
		name string
		dir  transport.Direction
	}{
		{"rx", transport.RX},
		{"tx", transport.TX},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := transporttest.NewFakeChannel()
			ch.FailDeadlines(unix.EBADF)
			sess := transport.NewSession("/t", ch, 251, 251, tt.dir)
			e, err := Start(Config{Session: sess, Codec: &levelCodec{}, Params: testParams, Source: NewToneSource(48000, 1, 440)})
			if err != nil {
				t.Fatal(err)
			}

			waitDone(t, e, time.Second)
			if !errors.Is(e.Err(), ErrTransportIO) || !errors.Is(e.Err(), unix.EBADF) {
				t.Fatalf("err = %v", e.Err())
			}
			if ch.CloseCount() != 1 {
				t.Errorf("channel closed %d times", ch.CloseCount())
			}
		})
	}
}

func TestTXRetriesTransientWrite(t *testing.T) {
	ch := transporttest.NewFakeChannel()
	ch.PushWriteError(unix.EINTR)
	sess := transport.NewSession("/t", ch, 251, 251, transport.TX)
	e, err := Start(Config{Session: sess, Codec: codec.Stub{}, Params: testParams, Source: NewToneSource(48000, 1, 440)})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		e.Stop()
		<-e.Done()
	}()

	waitWritten(t, ch, 1)
	if e.Stats().Snapshot().Retries < 1 {
		t.Error("expected a retry to be recorded")
	}
	select {
	case <-e.Done():
		t.Fatalf("transient write error terminated the loop: %v", e.Err())
	default:
	}
}

func TestTXPermanentWriteErrorTerminates(t *testing.T) {
	ch := transporttest.NewFakeChannel()
	ch.PushWriteError(unix.EPIPE)
	sess := transport.NewSession("/t", ch, 251, 251, transport.TX)
	e, err := Start(Config{Session: sess, Codec: codec.Stub{}, Params: testParams, Source: NewToneSource(48000, 1, 440)})
	if err != nil {
		t.Fatal(err)
	}

	waitDone(t, e, time.Second)
	if !errors.Is(e.Err(), ErrTransportIO) {
		t.Fatalf("err = %v", e.Err())
	}
	if ch.CloseCount() != 1 {
		t.Errorf("channel closed %d times", ch.CloseCount())
	}
}

func TestQueueSourceReadPCM(t *testing.T) {
	q := NewQueueSource(10)
	q.Push([]int16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	if q.Dropped() != 2 || q.Len() != 10 {
		t.Fatalf("dropped=%d len=%d", q.Dropped(), q.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	pcm := make([]int16, 16)
	n, err := q.ReadPCM(ctx, pcm)
	if n != 10 || pcm[0] != 3 {
		t.Fatalf("n=%d first=%d", n, pcm[0])
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestReaderSource(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	src := NewReaderSource(r, 4, slog.Default())

	w.Write(audio.Int16ToBytes([]int16{10, 20, 30, 40, 50}, nil))
	w.Close()
	<-src.Done()

	pcm := make([]int16, 5)
	n, _ := src.ReadPCM(context.Background(), pcm)
	if n != 5 || pcm[4] != 50 {
		t.Errorf("n=%d pcm=%v", n, pcm)
	}
}

func TestReaderSourceIsPacedByConsumer(t *testing.T) {
	// Two seconds of 48 kHz mono, far more than the queue holds.
	input := make([]int16, 96000)
	for i := range input {
		input[i] = int16(i % 30000)
	}
	src := NewReaderSource(bytes.NewReader(audio.Int16ToBytes(input, nil)), 480, slog.Default())
	defer src.Close()

	// Let the reader fill the queue before anything consumes it.
	time.Sleep(20 * time.Millisecond)
	if n := src.Len(); n > 480*50 {
		t.Fatalf("queued %d samples beyond the limit", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := make([]int16, 0, len(input))
	pcm := make([]int16, 480)
	for len(got) < len(input) {
		n, err := src.ReadPCM(ctx, pcm)
		got = append(got, pcm[:n]...)
		if err != nil {
			t.Fatalf("after %d samples: %v", len(got), err)
		}
	}

	if src.Dropped() != 0 {
		t.Errorf("dropped %d samples", src.Dropped())
	}
	for i := range input {
		if got[i] != input[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], input[i])
		}
	}
	select {
	case <-src.Done():
	case <-time.After(time.Second):
		t.Error("reader did not finish after input was drained")
	}
}

func TestPushWaitStopsOnClose(t *testing.T) {
	q := NewQueueSource(4)
	result := make(chan bool, 1)
	go func() { result <- q.PushWait([]int16{1, 2, 3, 4, 5, 6}) }()

	deadline := time.Now().Add(time.Second)
	for q.Len() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	q.Close()

	select {
	case ok := <-result:
		if ok {
			t.Error("PushWait reported success on a closed queue")
		}
	case <-time.After(time.Second):
		t.Fatal("PushWait still blocked after Close")
	}
	if q.Dropped() != 0 {
		t.Errorf("dropped = %d", q.Dropped())
	}
}

func TestFileSinkWritesS16LE(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcm")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.WritePCM([]int16{1, -1}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x00, 0xff, 0xff}
	if string(data) != string(want) {
		t.Errorf("file = % x, want % x", data, want)
	}
	if err := sink.WritePCM([]int16{1}); !errors.Is(err, os.ErrClosed) {
		t.Errorf("write after close: %v", err)
	}
}

func TestMultiSinkCallsAll(t *testing.T) {
	a, b := newRecordingSink(), newRecordingSink()
	fail := SinkFunc(func([]int16) error { return errors.New("boom") })

	err := MultiSink{a, fail, b}.WritePCM([]int16{1})
	if err == nil {
		t.Error("expected joined error")
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("sinks called a=%d b=%d", a.count(), b.count())
	}
}

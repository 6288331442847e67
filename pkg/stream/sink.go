package stream

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/silviot/le_audio_endpoint_go/pkg/audio"
)

// Sink consumes decoded PCM in the RX direction. WritePCM must not block for
// longer than a fraction of a frame period.
type Sink interface {
	WritePCM(pcm []int16) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(pcm []int16) error

func (f SinkFunc) WritePCM(pcm []int16) error { return f(pcm) }

// MultiSink fans PCM out to several sinks. Every sink is called even if an
// earlier one fails; the errors are joined.
type MultiSink []Sink

func (m MultiSink) WritePCM(pcm []int16) error {
	var errs []error
	for _, s := range m {
		if err := s.WritePCM(pcm); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileSink writes raw s16le PCM to a capture file.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	buf  []byte
	path string
}

// NewFileSink creates (or truncates) path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	return &FileSink{f: f, w: bufio.NewWriterSize(f, 64*1024), path: path}, nil
}

// Path returns the capture file path.
func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) WritePCM(pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	s.buf = audio.Int16ToBytes(pcm, s.buf)
	_, err := s.w.Write(s.buf)
	return err
}

// Flush pushes buffered samples to the file.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	return s.w.Flush()
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.f = nil
	return errors.Join(flushErr, closeErr)
}

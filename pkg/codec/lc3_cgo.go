//go:build cgo && liblc3

package codec

/*
#cgo pkg-config: lc3
#include <stdlib.h>
#include <lc3.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// LC3 binds Google's liblc3. Build with -tags liblc3 to make it available as
// the "lc3" codec.
type LC3 struct{}

func init() {
	Register(LC3{})
}

func (LC3) Name() string { return "lc3" }

func (LC3) Validate(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	dtUs := C.int(p.FrameDuration.Microseconds())
	ns := int(C.lc3_frame_samples(dtUs, C.int(p.SampleRate)))
	if ns <= 0 {
		return fmt.Errorf("lc3: unsupported geometry %dHz/%s", p.SampleRate, p.FrameDuration)
	}
	if ns != p.SamplesPerFrame() {
		return fmt.Errorf("lc3: %d samples per frame, contract expects %d", ns, p.SamplesPerFrame())
	}
	return nil
}

func (c LC3) Open(p Params) (Instance, error) {
	if err := c.Validate(p); err != nil {
		return nil, err
	}

	dtUs := C.int(p.FrameDuration.Microseconds())
	sr := C.int(p.SampleRate)

	inst := &lc3Instance{
		params:       p,
		bytesPerChan: p.FrameBytes / p.Channels,
		samplesPerCh: p.SamplesPerFrame(),
	}

	encSize := C.lc3_encoder_size(dtUs, sr)
	decSize := C.lc3_decoder_size(dtUs, sr)
	for ch := 0; ch < p.Channels; ch++ {
		encMem := C.malloc(C.size_t(encSize))
		decMem := C.malloc(C.size_t(decSize))
		inst.mem = append(inst.mem, encMem, decMem)

		enc := C.lc3_setup_encoder(dtUs, sr, 0, encMem)
		dec := C.lc3_setup_decoder(dtUs, sr, 0, decMem)
		if enc == nil || dec == nil {
			inst.Close()
			return nil, fmt.Errorf("lc3: setup failed for %s", p)
		}
		inst.enc = append(inst.enc, enc)
		inst.dec = append(inst.dec, dec)
	}

	return inst, nil
}

type lc3Instance struct {
	params       Params
	bytesPerChan int
	samplesPerCh int
	enc          []C.lc3_encoder_t
	dec          []C.lc3_decoder_t
	mem          []unsafe.Pointer
}

func (l *lc3Instance) Encode(pcm []int16, out []byte) (int, error) {
	if l.mem == nil {
		return 0, ErrClosed
	}
	if len(pcm) != l.samplesPerCh*l.params.Channels {
		return 0, fmt.Errorf("%w: got %d PCM samples, want %d", ErrFrameSize, len(pcm), l.samplesPerCh*l.params.Channels)
	}
	if len(out) < l.params.FrameBytes {
		return 0, fmt.Errorf("%w: output buffer %d bytes, want %d", ErrFrameSize, len(out), l.params.FrameBytes)
	}

	stride := C.int(l.params.Channels)
	for ch, enc := range l.enc {
		rc := C.lc3_encode(enc, C.LC3_PCM_FORMAT_S16,
			unsafe.Pointer(&pcm[ch]), stride,
			C.int(l.bytesPerChan), unsafe.Pointer(&out[ch*l.bytesPerChan]))
		if rc != 0 {
			return 0, fmt.Errorf("lc3: encode channel %d failed (%d)", ch, int(rc))
		}
	}
	return l.params.FrameBytes, nil
}

func (l *lc3Instance) Decode(frame []byte, out []int16) (int, error) {
	if l.mem == nil {
		return 0, ErrClosed
	}
	if len(frame) != l.params.FrameBytes {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), l.params.FrameBytes)
	}
	if len(out) < l.samplesPerCh*l.params.Channels {
		return 0, fmt.Errorf("%w: PCM buffer %d samples, want %d", ErrFrameSize, len(out), l.samplesPerCh*l.params.Channels)
	}

	stride := C.int(l.params.Channels)
	for ch, dec := range l.dec {
		rc := C.lc3_decode(dec, unsafe.Pointer(&frame[ch*l.bytesPerChan]), C.int(l.bytesPerChan),
			C.LC3_PCM_FORMAT_S16, unsafe.Pointer(&out[ch]), stride)
		if rc < 0 {
			return 0, fmt.Errorf("lc3: decode channel %d failed (%d)", ch, int(rc))
		}
	}
	return l.samplesPerCh, nil
}

func (l *lc3Instance) Close() error {
	for _, m := range l.mem {
		C.free(m)
	}
	l.mem = nil
	l.enc = nil
	l.dec = nil
	return nil
}

package codec

import (
	"errors"
	"testing"
	"time"
)

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{name: "48k 10ms 120B mono", params: Params{48000, 10 * time.Millisecond, 120, 1}},
		{name: "48k 7.5ms 90B mono", params: Params{48000, 7500 * time.Microsecond, 90, 1}},
		{name: "48k 10ms 240B stereo", params: Params{48000, 10 * time.Millisecond, 240, 2}},
		{name: "bad duration", params: Params{48000, 20 * time.Millisecond, 120, 1}, wantErr: true},
		{name: "frame too small", params: Params{48000, 10 * time.Millisecond, 10, 1}, wantErr: true},
		{name: "frame too large", params: Params{48000, 10 * time.Millisecond, 401, 1}, wantErr: true},
		{name: "no channels", params: Params{48000, 10 * time.Millisecond, 120, 0}, wantErr: true},
		{name: "odd stereo split", params: Params{48000, 10 * time.Millisecond, 121, 2}, wantErr: true},
		{name: "44.1k 7.5ms fractional", params: Params{44100, 7500 * time.Microsecond, 90, 1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestStubSilenceRoundTrip(t *testing.T) {
	for _, dur := range []time.Duration{7500 * time.Microsecond, 10 * time.Millisecond} {
		p := Params{SampleRate: 48000, FrameDuration: dur, FrameBytes: 120, Channels: 1}
		want := int(int64(48000) * dur.Microseconds() / 1e6)

		t.Run(dur.String(), func(t *testing.T) {
			if p.SamplesPerFrame() != want {
				t.Fatalf("SamplesPerFrame = %d, want %d", p.SamplesPerFrame(), want)
			}

			inst, err := Stub{}.Open(p)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer inst.Close()

			frame := make([]byte, p.FrameBytes)
			n, err := inst.Encode(make([]int16, want), frame)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if n != p.FrameBytes {
				t.Fatalf("encoded %d bytes, want %d", n, p.FrameBytes)
			}

			pcm := make([]int16, want)
			for i := range pcm {
				pcm[i] = 7
			}
			ns, err := inst.Decode(frame, pcm)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ns != want {
				t.Fatalf("decoded %d samples, want %d", ns, want)
			}
			for i, s := range pcm {
				if s != 0 {
					t.Fatalf("sample %d = %d, want silence", i, s)
				}
			}
		})
	}
}

func TestStubRejectsWrongSizes(t *testing.T) {
	p := Params{SampleRate: 48000, FrameDuration: 10 * time.Millisecond, FrameBytes: 120, Channels: 1}
	inst, err := Stub{}.Open(p)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := inst.Decode(make([]byte, 119), make([]int16, 480)); !errors.Is(err, ErrFrameSize) {
		t.Errorf("short frame: got %v, want ErrFrameSize", err)
	}
	if _, err := inst.Encode(make([]int16, 479), make([]byte, 120)); !errors.Is(err, ErrFrameSize) {
		t.Errorf("short PCM: got %v, want ErrFrameSize", err)
	}

	inst.Close()
	if _, err := inst.Decode(make([]byte, 120), make([]int16, 480)); !errors.Is(err, ErrClosed) {
		t.Errorf("after close: got %v, want ErrClosed", err)
	}
}

func TestStubOpenRejectsInvalidParams(t *testing.T) {
	if _, err := (Stub{}).Open(Params{SampleRate: 48000, FrameDuration: 5 * time.Millisecond, FrameBytes: 120, Channels: 1}); err == nil {
		t.Fatal("expected error for 5ms frames")
	}
}

func TestRegistry(t *testing.T) {
	c, err := Lookup("stub")
	if err != nil {
		t.Fatalf("lookup stub: %v", err)
	}
	if c.Name() != "stub" {
		t.Errorf("name = %q", c.Name())
	}

	if _, err := Lookup("does-not-exist"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("got %v, want ErrUnknownCodec", err)
	}

	found := false
	for _, n := range Names() {
		if n == "stub" {
			found = true
		}
	}
	if !found {
		t.Errorf("stub missing from %v", Names())
	}
}

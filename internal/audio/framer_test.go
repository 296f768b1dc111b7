package audio

import (
	"math"
	"testing"
)

func TestFramer_EmptyInputEmitsNothing(t *testing.T) {
	f := NewFramer()

	frames, rms := f.Push(nil, 48000)

	if frames != nil {
		t.Errorf("expected no frames, got %d", len(frames))
	}
	if rms != 0 {
		t.Errorf("expected zero RMS, got %f", rms)
	}
	if f.Pending() != 0 {
		t.Errorf("expected empty accumulator, got %d", f.Pending())
	}
}

func TestFramer_AccumulatesUntilFullFrame(t *testing.T) {
	f := NewFramer()

	// 1600 samples at 16kHz in = exactly one frame out
	in := make([]float32, 1600)
	frames, _ := f.Push(in, 16000)

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if len(frames[0]) != FrameSamples {
		t.Errorf("expected %d samples, got %d", FrameSamples, len(frames[0]))
	}
	if f.Pending() != 0 {
		t.Errorf("expected no remainder, got %d", f.Pending())
	}
}

func TestFramer_RemainderCarriesOver(t *testing.T) {
	f := NewFramer()

	// 1000 samples: no frame yet
	frames, _ := f.Push(make([]float32, 1000), 16000)
	if len(frames) != 0 {
		t.Fatalf("expected 0 frames, got %d", len(frames))
	}
	if f.Pending() != 1000 {
		t.Errorf("expected 1000 pending, got %d", f.Pending())
	}

	// 1000 more: one frame, 400 left
	frames, _ = f.Push(make([]float32, 1000), 16000)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if f.Pending() != 400 {
		t.Errorf("expected 400 pending, got %d", f.Pending())
	}
}

func TestFramer_Downsamples48kTo16k(t *testing.T) {
	f := NewFramer()

	// 4800 samples at 48kHz = 100ms = one 1600-sample frame
	frames, _ := f.Push(make([]float32, 4800), 48000)

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame from 100ms of 48kHz audio, got %d", len(frames))
	}
}

func TestResample_Clamps(t *testing.T) {
	out := Resample([]float32{2.0, -2.0}, 16000)

	if out[0] != 32767 {
		t.Errorf("expected clamp to 32767, got %d", out[0])
	}
	for _, s := range out {
		if s > 32767 || s < -32768 {
			t.Errorf("sample %d out of int16 range", s)
		}
	}
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want float64
	}{
		{"empty", nil, 0},
		{"silence", []float32{0, 0, 0, 0}, 0},
		{"full scale", []float32{1, -1, 1, -1}, 1},
		{"half scale", []float32{0.5, -0.5}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RMS(tt.in)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RMS = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestFrame_Bytes(t *testing.T) {
	frame := Frame{0x0102, -2}
	b := frame.Bytes()

	if len(b) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(b))
	}
	// Little-endian
	if b[0] != 0x02 || b[1] != 0x01 {
		t.Errorf("unexpected encoding of 0x0102: %v", b[:2])
	}
	if b[2] != 0xFE || b[3] != 0xFF {
		t.Errorf("unexpected encoding of -2: %v", b[2:])
	}
}

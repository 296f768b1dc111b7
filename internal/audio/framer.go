// Package audio converts raw capture samples into fixed-duration PCM frames
// suitable for streaming to a speech recognizer.
package audio

import "math"

const (
	// TargetSampleRate is the output rate expected by every recognizer backend.
	TargetSampleRate = 16000
	// FrameSamples is 100ms of audio at the target rate.
	FrameSamples = 1600
)

// Frame is 100ms of 16kHz mono 16-bit PCM.
type Frame []int16

// Bytes encodes the frame as little-endian PCM bytes.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f)*2)
	for i, s := range f {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Framer accumulates resampled samples and emits fixed 1600-sample frames.
// The remainder after slicing carries over to the next callback.
type Framer struct {
	acc []int16
}

// NewFramer creates an empty framer.
func NewFramer() *Framer {
	return &Framer{acc: make([]int16, 0, FrameSamples*2)}
}

// Push resamples the input callback buffer to 16kHz mono int16, appends it to
// the rolling accumulator and returns zero or more complete frames plus the
// RMS loudness of the raw input (computed before resampling). A zero-length
// input emits nothing.
func (f *Framer) Push(samples []float32, inputRate int) ([]Frame, float64) {
	if len(samples) == 0 {
		return nil, 0
	}

	rms := RMS(samples)
	f.acc = append(f.acc, Resample(samples, inputRate)...)

	var frames []Frame
	for len(f.acc) >= FrameSamples {
		frame := make(Frame, FrameSamples)
		copy(frame, f.acc[:FrameSamples])
		frames = append(frames, frame)
		f.acc = f.acc[FrameSamples:]
	}
	return frames, rms
}

// Pending returns the number of accumulated samples not yet emitted.
func (f *Framer) Pending() int {
	return len(f.acc)
}

// Reset discards any accumulated remainder.
func (f *Framer) Reset() {
	f.acc = f.acc[:0]
}

// Resample converts a float buffer at inputRate to 16kHz int16 using linear
// interpolation, clamping to the int16 range.
func Resample(input []float32, inputRate int) []int16 {
	if inputRate <= 0 || len(input) == 0 {
		return nil
	}
	ratio := float64(TargetSampleRate) / float64(inputRate)
	outLen := int(float64(len(input)) * ratio)
	out := make([]int16, outLen)

	for i := 0; i < outLen; i++ {
		pos := float64(i) / ratio
		lo := int(pos)
		hi := lo + 1
		if hi > len(input)-1 {
			hi = len(input) - 1
		}
		frac := pos - float64(lo)

		sample := float64(input[lo])*(1-frac) + float64(input[hi])*frac
		out[i] = quantize(sample)
	}
	return out
}

func quantize(sample float64) int16 {
	v := sample * 32767
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// RMS computes root-mean-square loudness over a raw callback buffer.
func RMS(buf []float32) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum float64
	for _, s := range buf {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(buf)))
}

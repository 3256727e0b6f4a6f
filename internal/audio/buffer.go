package audio

import "time"

// TargetSampleRate is the rate every recognizer consumes.
const TargetSampleRate = 16000

// Buffer is a mono sequence of float32 samples tagged with its sample rate.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

func (b Buffer) Len() int { return len(b.Samples) }

// Duration returns the buffer length in seconds, or 0 for an untagged buffer.
func (b Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

func (b Buffer) DurationTime() time.Duration {
	return time.Duration(b.Duration() * float64(time.Second))
}

func (b Buffer) Clone() Buffer {
	return Buffer{Samples: append([]float32(nil), b.Samples...), SampleRate: b.SampleRate}
}

// Downmix averages interleaved frames into a single channel.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return append([]float32(nil), interleaved...)
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		frame := interleaved[i*channels : (i+1)*channels]
		for _, s := range frame {
			sum += s
		}
		out[i] = sum / float32(channels)
	}
	return out
}

package audio

import (
	"errors"
	"fmt"
	"math"
)

const (
	sincLen          = 256
	sincOversampling = 256
	sincCutoff       = 0.95
)

var ErrInvalidRate = errors.New("invalid sample rate")

// Resample converts to the target rate using the windowed-sinc kernel. Use it
// for offline material where quality matters more than latency.
func Resample(buf Buffer, to int) (Buffer, error) {
	out, err := ResampleSinc(buf.Samples, buf.SampleRate, to)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{Samples: out, SampleRate: to}, nil
}

// ResampleRealtime converts to the target rate with linear interpolation.
func ResampleRealtime(buf Buffer, to int) Buffer {
	return Buffer{Samples: ResampleLinear(buf.Samples, buf.SampleRate, to), SampleRate: to}
}

// ResampleLinear interpolates between the floor and ceiling source samples.
// The output holds ceil(len(in) / (from/to)) samples.
func ResampleLinear(in []float32, from, to int) []float32 {
	if len(in) == 0 || from <= 0 || to <= 0 {
		return []float32{}
	}
	if from == to {
		return append([]float32(nil), in...)
	}

	ratio := float64(from) / float64(to)
	outLen := int(math.Ceil(float64(len(in)) / ratio))
	out := make([]float32, outLen)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * ratio
		lo := int(math.Floor(pos))
		if lo > last {
			out[i] = 0
			continue
		}
		hi := lo + 1
		if hi > last {
			hi = last
		}
		frac := float32(pos - float64(lo))
		out[i] = in[lo] + (in[hi]-in[lo])*frac
	}
	return out
}

// ResampleSinc is a band-limited whole-buffer resampler. The output length is
// round(len(in) * to/from); callers must not rely on it being exact.
func ResampleSinc(in []float32, from, to int) ([]float32, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d", ErrInvalidRate, from, to)
	}
	if len(in) == 0 {
		return []float32{}, nil
	}
	if from == to {
		return append([]float32(nil), in...), nil
	}

	ratio := float64(to) / float64(from)
	k := newSincKernel(sincCutoff * math.Min(1, ratio))

	outLen := int(math.Round(float64(len(in)) * ratio))
	out := make([]float32, outLen)
	half := sincLen / 2
	for n := range out {
		t := float64(n) / ratio
		center := int(math.Floor(t))
		var acc float64
		for j := center - half + 1; j <= center+half; j++ {
			if j < 0 || j >= len(in) {
				continue
			}
			acc += float64(in[j]) * k.at(t-float64(j))
		}
		out[n] = float32(acc)
	}
	return out, nil
}

type sincKernel struct {
	table []float64
}

// newSincKernel tabulates cutoff*sinc(cutoff*x)*window(x) for x in
// [-sincLen/2, sincLen/2], sincOversampling entries per input sample.
func newSincKernel(cutoff float64) *sincKernel {
	half := float64(sincLen / 2)
	size := sincLen*sincOversampling + 1
	table := make([]float64, size)
	for i := range table {
		x := float64(i)/sincOversampling - half
		table[i] = cutoff * sinc(cutoff*x) * blackmanHarris((x+half)/(2*half))
	}
	return &sincKernel{table: table}
}

func (k *sincKernel) at(x float64) float64 {
	pos := (x + sincLen/2) * sincOversampling
	if pos < 0 || pos >= float64(len(k.table)-1) {
		return 0
	}
	i := int(pos)
	frac := pos - float64(i)
	return k.table[i] + (k.table[i+1]-k.table[i])*frac
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func blackmanHarris(u float64) float64 {
	const (
		a0 = 0.35875
		a1 = 0.48829
		a2 = 0.14128
		a3 = 0.01168
	)
	return a0 - a1*math.Cos(2*math.Pi*u) + a2*math.Cos(4*math.Pi*u) - a3*math.Cos(6*math.Pi*u)
}

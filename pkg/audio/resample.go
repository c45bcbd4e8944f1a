package audio

import "math"

// edgeTolerance absorbs rounding of float positions that land on a block
// edge. Such a position belongs to the next block.
const edgeTolerance = 1e-9

// Resample converts native-rate samples to a target rate by linear
// interpolation. ratio is nativeRate/targetRate and phase is the native
// position of the first output sample, in [0, ratio).
//
// Position p is interpolated between in[floor(p)-1] and in[floor(p)], where
// index -1 is prev, the last sample of the previous block. Every position
// below len(in) is therefore computable, which gives the output length
// ceil((len(in)-phase)/ratio). The returned phase is the position of the next
// output sample relative to the start of the following block.
//
// Positions are accumulated in floating point. Long streams should use
// [Resampler], which tracks them exactly.
func Resample(in []float32, prev float32, phase, ratio float64) (out []float32, next float64) {
	if len(in) == 0 || ratio <= 0 {
		return nil, phase
	}
	l := float64(len(in))
	if phase >= l-edgeTolerance {
		return nil, max(phase-l, 0)
	}

	out = make([]float32, 0, int(math.Ceil((l-phase)/ratio)))
	for k := 0; ; k++ {
		p := phase + float64(k)*ratio
		if p >= l-edgeTolerance {
			break
		}
		i := int(p)
		out = append(out, lerp(in, prev, i, float32(p-float64(i))))
	}
	next = max(phase+float64(len(out))*ratio-l, 0)
	return out, next
}

// lerp interpolates between in[i-1] (prev when i is 0) and in[i].
func lerp(in []float32, prev float32, i int, frac float32) float32 {
	left := prev
	if i > 0 {
		left = in[i-1]
	}
	return left + (in[i]-left)*frac
}

// Resampler is the stateful form of [Resample] for one continuous stream.
// Positions are kept as integer multiples of 1/targetRate native samples, so
// feeding a signal in blocks of any size yields exactly the output of one
// call over the whole signal.
//
// It is not safe for concurrent use; the capture pipeline owns exactly one.
type Resampler struct {
	step  int64 // native rate: position advance per output sample
	scale int64 // target rate: position units per native sample
	pos   int64 // next output position, in [0, step)
	prev  float32
}

// NewResampler creates a [Resampler] converting nativeRate to targetRate.
// Non-positive rates yield a pass-through resampler.
func NewResampler(nativeRate, targetRate int) *Resampler {
	if nativeRate <= 0 || targetRate <= 0 {
		return &Resampler{step: 1, scale: 1}
	}
	g := gcd(int64(nativeRate), int64(targetRate))
	return &Resampler{step: int64(nativeRate) / g, scale: int64(targetRate) / g}
}

// Ratio returns nativeRate/targetRate.
func (r *Resampler) Ratio() float64 { return float64(r.step) / float64(r.scale) }

// Phase returns the carried fractional position in native samples, in
// [0, Ratio()).
func (r *Resampler) Phase() float64 { return float64(r.pos) / float64(r.scale) }

// Process resamples one block and carries the phase into the next call.
func (r *Resampler) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	end := int64(len(in)) * r.scale
	var out []float32
	if r.pos < end {
		n := (end - r.pos + r.step - 1) / r.step
		out = make([]float32, n)
		for k := range out {
			p := r.pos + int64(k)*r.step
			i := p / r.scale
			frac := float32(p%r.scale) / float32(r.scale)
			out[k] = lerp(in, r.prev, int(i), frac)
		}
		r.pos += n * r.step
	}
	r.pos -= end
	r.prev = in[len(in)-1]
	return out
}

// Reset forgets the carried phase and history.
func (r *Resampler) Reset() {
	r.pos = 0
	r.prev = 0
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

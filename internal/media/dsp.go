package media

import "math"

// Analysis rates and framing shared with the analyzer. 22.05 kHz mono is
// plenty for alignment and beat work while keeping correlation sizes small.
const (
	AnalysisRate = 22050
	frameSize    = 512
	hopSize      = 256
)

// CrossCorrelate computes the full cross-correlation of a against b and
// returns the lag (in samples) of the peak together with the normalized peak
// strength in [0, 1]. A positive lag means a's content appears lag samples
// later than the same content in b.
func CrossCorrelate(a, b []float64) (lag int, strength float64) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0
	}

	n := nextPow2(len(a) + len(b) - 1)
	fa := make([]complex128, n)
	fb := make([]complex128, n)
	for i, v := range a {
		fa[i] = complex(v, 0)
	}
	for i, v := range b {
		fb[i] = complex(v, 0)
	}

	fft(fa, false)
	fft(fb, false)
	// Correlation theorem: corr(a,b) = IFFT(FFT(a) * conj(FFT(b)))
	for i := range fa {
		fa[i] *= cmplxConj(fb[i])
	}
	fft(fa, true)

	inv := 1 / float64(n)
	best, bestLag := math.Inf(-1), 0
	// Index k holds lag k for k < len(a); index n-k holds lag -k.
	for k := 0; k < len(a); k++ {
		if v := real(fa[k]) * inv; v > best {
			best, bestLag = v, k
		}
	}
	for k := 1; k < len(b); k++ {
		if v := real(fa[n-k]) * inv; v > best {
			best, bestLag = v, -k
		}
	}

	norm := math.Sqrt(energy(a) * energy(b))
	if norm == 0 {
		return bestLag, 0
	}
	s := best / norm
	if s < 0 {
		s = 0
	}
	return bestLag, s
}

func cmplxConj(c complex128) complex128 {
	return complex(real(c), -imag(c))
}

func energy(x []float64) float64 {
	var e float64
	for _, v := range x {
		e += v * v
	}
	return e
}

// OnsetEnvelope computes a half-wave rectified log-energy flux over
// 512-sample frames with a 256-sample hop. Each element is the positive
// change in frame log-energy, a cheap stand-in for spectral flux that peaks
// at note and percussion onsets.
func OnsetEnvelope(samples []float64) []float64 {
	if len(samples) < frameSize {
		return nil
	}
	frames := 1 + (len(samples)-frameSize)/hopSize
	env := make([]float64, frames)

	prev := math.Inf(-1)
	for f := 0; f < frames; f++ {
		start := f * hopSize
		var e float64
		for i := start; i < start+frameSize; i++ {
			e += samples[i] * samples[i]
		}
		logE := math.Log1p(e)
		if f == 0 {
			prev = logE
			continue
		}
		if d := logE - prev; d > 0 {
			env[f] = d
		}
		prev = logE
	}
	return env
}

// FirstOnset returns the time in seconds of the first significant onset at
// the given sample rate, backtracked to the preceding energy minimum.
// Returns 0 when no onset clears half of the envelope peak.
func FirstOnset(envelope []float64, sampleRate int) float64 {
	var peak float64
	for _, v := range envelope {
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		return 0
	}

	threshold := 0.5 * peak
	for f, v := range envelope {
		if v < threshold {
			continue
		}
		// Backtrack to the local minimum before the rise.
		for f > 0 && envelope[f-1] < envelope[f] && envelope[f-1] > 0 {
			f--
		}
		return float64(f*hopSize) / float64(sampleRate)
	}
	return 0
}

// Tempo search range in BPM.
const (
	minTempo = 30.0
	maxTempo = 240.0
)

// EstimateTempo estimates the tempo in BPM from an onset envelope via
// autocorrelation over the 30-240 BPM lag range. Returns 0 when the
// envelope is too short to cover the slowest period.
func EstimateTempo(envelope []float64, sampleRate int) float64 {
	frameRate := float64(sampleRate) / float64(hopSize)
	minLag := int(frameRate * 60.0 / maxTempo)
	maxLag := int(frameRate * 60.0 / minTempo)
	if minLag < 1 {
		minLag = 1
	}
	if maxLag >= len(envelope) {
		maxLag = len(envelope) - 1
	}
	if maxLag < minLag {
		return 0
	}

	best, bestLag := math.Inf(-1), 0
	for lag := minLag; lag <= maxLag; lag++ {
		var acc float64
		for i := lag; i < len(envelope); i++ {
			acc += envelope[i] * envelope[i-lag]
		}
		// Mild normalization so long lags are not penalized for having
		// fewer product terms.
		acc /= float64(len(envelope) - lag)
		if acc > best {
			best, bestLag = acc, lag
		}
	}
	if bestLag == 0 {
		return 0
	}
	return 60.0 * frameRate / float64(bestLag)
}

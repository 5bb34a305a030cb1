package silence

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	fftSize     = 512
	binCount    = fftSize / 2
	minDecibels = -100.0
	maxDecibels = -30.0
)

// Analyzer computes the average spectral energy of a frame on a 0..255
// scale: the mono signal is Blackman-windowed, transformed, and each bin's
// level between -100 dB and -30 dB is mapped linearly onto a byte. Silence
// reads 0; ordinary speech or music reads well above 20.
type Analyzer struct {
	fft    *fourier.FFT
	window []float64
	seq    []float64
	coeffs []complex128
}

// NewAnalyzer returns an analyzer. It is not safe for concurrent use.
func NewAnalyzer() *Analyzer {
	window := make([]float64, fftSize)
	for n := range window {
		x := 2 * math.Pi * float64(n) / fftSize
		window[n] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return &Analyzer{
		fft:    fourier.NewFFT(fftSize),
		window: window,
		seq:    make([]float64, fftSize),
		coeffs: make([]complex128, fftSize/2+1),
	}
}

// Energy analyzes the most recent fftSize samples of an interleaved
// stereo frame. Shorter frames are zero-padded at the front.
func (a *Analyzer) Energy(frame []int16) float64 {
	pairs := len(frame) / 2
	start := max(pairs-fftSize, 0)
	offset := fftSize - (pairs - start)
	for i := range a.seq {
		a.seq[i] = 0
	}
	for i := start; i < pairs; i++ {
		mono := (float64(frame[2*i]) + float64(frame[2*i+1])) / 2 / 32768
		n := offset + i - start
		a.seq[n] = mono * a.window[n]
	}

	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)

	var sum float64
	for k := 0; k < binCount; k++ {
		mag := cmplx.Abs(a.coeffs[k]) / fftSize
		sum += byteLevel(mag)
	}
	return sum / binCount
}

func byteLevel(mag float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := math.Floor(255 / (maxDecibels - minDecibels) * (db - minDecibels))
	return math.Max(0, math.Min(255, v))
}

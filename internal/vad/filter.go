package vad

import "math"

// Speech band edges used by the energy meter.
const (
	BandLowHz  = 100.0
	BandHighHz = 3000.0
)

// biquad is a direct form I second-order section.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

func (f *biquad) process(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

func (f *biquad) reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}

// newLowPass and newHighPass follow the RBJ audio EQ cookbook with a
// Butterworth Q.
func newLowPass(cutoff float64, sampleRate int) biquad {
	w0, alpha := coefficients(cutoff, sampleRate)
	cos := math.Cos(w0)
	a0 := 1 + alpha
	return biquad{
		b0: (1 - cos) / 2 / a0,
		b1: (1 - cos) / a0,
		b2: (1 - cos) / 2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

func newHighPass(cutoff float64, sampleRate int) biquad {
	w0, alpha := coefficients(cutoff, sampleRate)
	cos := math.Cos(w0)
	a0 := 1 + alpha
	return biquad{
		b0: (1 + cos) / 2 / a0,
		b1: -(1 + cos) / a0,
		b2: (1 + cos) / 2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

func coefficients(cutoff float64, sampleRate int) (w0, alpha float64) {
	nyquist := float64(sampleRate) / 2
	if cutoff > 0.9*nyquist {
		cutoff = 0.9 * nyquist
	}
	w0 = 2 * math.Pi * cutoff / float64(sampleRate)
	// alpha = sin(w0) / 2Q with Q = 1/sqrt(2)
	alpha = math.Sin(w0) / math.Sqrt2
	return w0, alpha
}

// Meter turns PCM frames into a normalized speech-band energy. Filter state
// carries across frames so frame edges do not click.
type Meter struct {
	highPass biquad
	lowPass  biquad
	gain     float64
}

// DefaultGain maps a -20 dBFS speech-band RMS to roughly 0.3.
const DefaultGain = 3.0

// NewMeter creates a meter for the given sample rate. gain scales the RMS
// before clamping to [0,1].
func NewMeter(sampleRate int, gain float64) *Meter {
	if gain <= 0 {
		gain = DefaultGain
	}
	return &Meter{
		highPass: newHighPass(BandLowHz, sampleRate),
		lowPass:  newLowPass(BandHighHz, sampleRate),
		gain:     gain,
	}
}

// Energy returns the band-limited RMS of samples scaled into [0,1].
func (m *Meter) Energy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		x := float64(s) / 32768.0
		y := m.lowPass.process(m.highPass.process(x))
		sum += y * y
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return clamp01(rms * m.gain)
}

// Reset clears the filter history.
func (m *Meter) Reset() {
	m.highPass.reset()
	m.lowPass.reset()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}

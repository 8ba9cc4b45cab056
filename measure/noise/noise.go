// Package noise estimates power spectral densities of telemetry channels
// using Welch's method, for locating noise peaks when tuning gyro and D-term
// filters.
//
// The signal is segmented into overlapping windows, each window is tapered,
// Fourier-transformed, and the squared magnitudes are averaged and normalized
// by sample rate and window energy so that the PSD integrated over frequency
// approximates the time-domain variance (Parseval consistency).
package noise

import (
	"context"
	"errors"
	"fmt"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-vecmath"
)

// Default analysis parameters.
const (
	DefaultWindowLength    = 256
	DefaultOverlapFraction = 0.5

	// minPower floors raw power before log conversion so the dB output is
	// always finite.
	minPower = 1e-20
)

// Errors returned by Welch analysis.
var (
	ErrInvalidSampleRate = errors.New("noise: sample rate must be > 0 and finite")
	ErrInvalidOverlap    = errors.New("noise: overlap fraction must be in [0, 1)")
)

// InsufficientSamplesError reports a signal shorter than one analysis window.
// The minimum usable length is exactly one window.
type InsufficientSamplesError struct {
	Need int
	Got  int
}

func (e *InsufficientSamplesError) Error() string {
	return fmt.Sprintf("noise: signal too short for one window: need %d samples, got %d", e.Need, e.Got)
}

// Detrend selects per-segment detrending.
type Detrend int

const (
	// DetrendConstant removes each segment's mean before windowing.
	DetrendConstant Detrend = iota
	// DetrendNone analyzes segments as-is.
	DetrendNone
)

// Config holds Welch-method parameters. Zero values select the defaults.
type Config struct {
	SampleRate      float64 // Hz, required
	WindowLength    int     // samples per segment (default 256)
	OverlapFraction float64 // fraction of window overlapped (default 0.5)
	Window          Window  // taper function (default Hann)
	Detrend         Detrend // per-segment detrending (default constant)
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.SampleRate <= 0 || math.IsNaN(cfg.SampleRate) || math.IsInf(cfg.SampleRate, 0) {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidSampleRate, cfg.SampleRate)
	}

	if cfg.WindowLength <= 0 {
		cfg.WindowLength = DefaultWindowLength
	}

	if cfg.OverlapFraction == 0 {
		cfg.OverlapFraction = DefaultOverlapFraction
	}

	if cfg.OverlapFraction < 0 || cfg.OverlapFraction >= 1 {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidOverlap, cfg.OverlapFraction)
	}

	return cfg, nil
}

// Result is a one-sided PSD estimate together with the parameters that
// produced it. Cross-log comparison is only valid when Resolution and
// SampleRate match; resample first when they do not.
type Result struct {
	Frequencies []float64 // Hz, bin centers from DC to Nyquist
	Power       []float64 // linear power density, units^2/Hz
	PowerDB     []float64 // 10*log10(Power), floored to stay finite

	SampleRate      float64
	WindowLength    int
	OverlapFraction float64
	Window          Window
	FFTSize         int

	// Resolution is the actual bin spacing, SampleRate / FFTSize. Zero
	// padding to the FFT size makes it finer than SampleRate / WindowLength
	// when WindowLength is not a power of two; cross-log comparisons must
	// match on this value, not on the window length.
	Resolution float64

	SegmentCount int // segments averaged (NaN segments are skipped)
}

// Peak returns the frequency and dB power of the strongest non-DC bin.
func (r *Result) Peak() (freqHz, powerDB float64) {
	if len(r.Power) < 2 {
		return 0, math.Inf(-1)
	}

	bestBin := 1
	for i := 2; i < len(r.Power); i++ {
		if r.Power[i] > r.Power[bestBin] {
			bestBin = i
		}
	}

	return r.Frequencies[bestBin], r.PowerDB[bestBin]
}

// TotalPower integrates the PSD over all frequency bins, approximating the
// variance of the windowed input signal.
func (r *Result) TotalPower() float64 {
	sum := 0.0
	for _, p := range r.Power {
		sum += p
	}

	return sum * r.Resolution
}

// Welch computes the PSD of a uniformly sampled signal. Segments containing
// NaN samples (resampler gap markers) are skipped; if no segment is usable
// the analysis fails with *InsufficientSamplesError. Cancellation is checked
// between segments.
func Welch(ctx context.Context, signal []float64, cfg Config) (*Result, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	winLen := cfg.WindowLength
	if len(signal) < winLen {
		return nil, &InsufficientSamplesError{Need: winLen, Got: len(signal)}
	}

	hop := int(math.Round(float64(winLen) * (1 - cfg.OverlapFraction)))
	if hop < 1 {
		hop = 1
	}

	coeffs, err := cfg.Window.Coefficients(winLen)
	if err != nil {
		return nil, err
	}

	windowEnergy := 0.0
	for _, w := range coeffs {
		windowEnergy += w * w
	}

	fftSize := nextPowerOf2(winLen)
	binCount := fftSize/2 + 1

	plan, err := algofft.NewPlan64(fftSize)
	if err != nil {
		return nil, fmt.Errorf("noise: %w", err)
	}

	var (
		accum    = make([]float64, binCount)
		windowed = make([]float64, winLen)
		inData   = make([]complex128, fftSize)
		outData  = make([]complex128, fftSize)
		re       = make([]float64, binCount)
		im       = make([]float64, binCount)
		power    = make([]float64, binCount)
		segments = 0
	)

	for start := 0; start+winLen <= len(signal); start += hop {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		seg := signal[start : start+winLen]
		if hasNaN(seg) {
			continue
		}

		offset := 0.0
		if cfg.Detrend == DetrendConstant {
			offset = mean(seg)
		}

		for i, v := range seg {
			windowed[i] = v - offset
		}

		vecmath.MulBlockInPlace(windowed, coeffs)

		for i := range inData {
			if i < winLen {
				inData[i] = complex(windowed[i], 0)
			} else {
				inData[i] = 0
			}
		}

		if err := plan.Forward(outData, inData); err != nil {
			return nil, fmt.Errorf("noise: %w", err)
		}

		for k := 0; k < binCount; k++ {
			re[k] = real(outData[k])
			im[k] = imag(outData[k])
		}

		vecmath.Power(power, re, im)

		for k, p := range power {
			accum[k] += p
		}

		segments++
	}

	if segments == 0 {
		return nil, &InsufficientSamplesError{Need: winLen, Got: 0}
	}

	// Normalize so the one-sided PSD integrates to the windowed variance:
	// divide by fs * sum(w^2) and double the interior bins.
	scale := 1 / (cfg.SampleRate * windowEnergy * float64(segments))

	res := &Result{
		Frequencies:     make([]float64, binCount),
		Power:           make([]float64, binCount),
		PowerDB:         make([]float64, binCount),
		SampleRate:      cfg.SampleRate,
		WindowLength:    winLen,
		OverlapFraction: cfg.OverlapFraction,
		Window:          cfg.Window,
		FFTSize:         fftSize,
		Resolution:      cfg.SampleRate / float64(fftSize),
		SegmentCount:    segments,
	}

	for k := 0; k < binCount; k++ {
		p := accum[k] * scale
		if k != 0 && k != binCount-1 {
			p *= 2
		}

		res.Frequencies[k] = float64(k) * res.Resolution
		res.Power[k] = p
		res.PowerDB[k] = 10 * math.Log10(math.Max(p, minPower))
	}

	return res, nil
}

func hasNaN(seg []float64) bool {
	for _, v := range seg {
		if math.IsNaN(v) {
			return true
		}
	}

	return false
}

func mean(seg []float64) float64 {
	sum := 0.0
	for _, v := range seg {
		sum += v
	}

	return sum / float64(len(seg))
}

func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}

	p := 1
	for p < n {
		p <<= 1
	}

	return p
}

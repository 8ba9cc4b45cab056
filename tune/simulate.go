package tune

import (
	"errors"
	"math"
)

// Gain scaling from Betaflight's integer settings to controller coefficients,
// and the default rigid-body model parameters.
const (
	PScale = 0.01
	IScale = 0.005
	DScale = 0.0001

	DefaultInertia  = 0.005
	DefaultDuration = 0.2
	DefaultSamples  = 500
)

// ErrNoAxisGains indicates a gain set with neither roll nor pitch PID values.
var ErrNoAxisGains = errors.New("tune: no roll or pitch PID gains to simulate")

// SimConfig holds plant and integration parameters. Zero values select the
// defaults.
type SimConfig struct {
	Inertia  float64 // kg*m^2 (default 0.005)
	Duration float64 // seconds (default 0.2)
	Samples  int     // output points (default 500)
}

func normalizeSimConfig(cfg SimConfig) SimConfig {
	if cfg.Inertia <= 0 {
		cfg.Inertia = DefaultInertia
	}

	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}

	if cfg.Samples <= 1 {
		cfg.Samples = DefaultSamples
	}

	return cfg
}

// Response is a simulated unit-step response.
type Response struct {
	Time   []float64 // seconds from the step
	Values []float64 // plant output, 1.0 is the commanded value
	Axis   string    // "roll" or "pitch", whichever gains were used
}

// Simulate integrates the closed-loop unit-step response of a PID controller
// on a pure-inertia plant. The roll gains are preferred; pitch is the
// fallback. The model is the idealized continuous loop
//
//	H(s) = (Kd s^2 + Kp s + Ki) / (J s^3 + Kd s^2 + Kp s + Ki)
//
// so it previews relative overshoot and damping between two gain sets rather
// than predicting real flight behavior.
func Simulate(gains Gains, cfg SimConfig) (*Response, error) {
	cfg = normalizeSimConfig(cfg)

	axis := "roll"

	p, i, d, ok := axisGains(gains, axis)
	if !ok {
		axis = "pitch"
		p, i, d, ok = axisGains(gains, axis)
	}

	if !ok {
		return nil, ErrNoAxisGains
	}

	kp := float64(p) * PScale
	ki := float64(i) * IScale
	kd := float64(d) * DScale

	// Controllable canonical form of H(s) with coefficients divided by J:
	// x1' = x2, x2' = x3, x3' = -a0 x1 - a1 x2 - a2 x3 + u, u = 1,
	// y = a0 x1 + a1 x2 + a2 x3 (numerator equals the feedback terms).
	a0 := ki / cfg.Inertia
	a1 := kp / cfg.Inertia
	a2 := kd / cfg.Inertia

	deriv := func(x [3]float64) [3]float64 {
		return [3]float64{
			x[1],
			x[2],
			1 - a0*x[0] - a1*x[1] - a2*x[2],
		}
	}

	out := &Response{
		Time:   make([]float64, cfg.Samples),
		Values: make([]float64, cfg.Samples),
		Axis:   axis,
	}

	h := cfg.Duration / float64(cfg.Samples-1)

	var x [3]float64

	for n := 0; n < cfg.Samples; n++ {
		out.Time[n] = float64(n) * h
		out.Values[n] = a0*x[0] + a1*x[1] + a2*x[2]

		x = rk4Step(x, h, deriv)
	}

	return out, nil
}

func axisGains(gains Gains, axis string) (p, i, d int, ok bool) {
	p, pOK := gains["p_"+axis]
	i, iOK := gains["i_"+axis]
	d, dOK := gains["d_"+axis]

	if !pOK && !iOK && !dOK {
		return 0, 0, 0, false
	}

	return p, i, d, true
}

// rk4Step advances the state one fixed step with classic Runge-Kutta.
func rk4Step(x [3]float64, h float64, f func([3]float64) [3]float64) [3]float64 {
	k1 := f(x)
	k2 := f(addScaled(x, k1, h/2))
	k3 := f(addScaled(x, k2, h/2))
	k4 := f(addScaled(x, k3, h))

	for j := 0; j < 3; j++ {
		x[j] += h / 6 * (k1[j] + 2*k2[j] + 2*k3[j] + k4[j])
	}

	return x
}

func addScaled(x, k [3]float64, s float64) [3]float64 {
	for j := 0; j < 3; j++ {
		x[j] += s * k[j]
	}

	return x
}

// Overshoot returns the response's peak excursion above the commanded value
// as a fraction, zero when the response never exceeds it.
func (r *Response) Overshoot() float64 {
	peak := math.Inf(-1)
	for _, v := range r.Values {
		if v > peak {
			peak = v
		}
	}

	if peak <= 1 {
		return 0
	}

	return peak - 1
}

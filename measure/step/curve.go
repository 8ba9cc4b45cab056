package step

import (
	"math"

	"github.com/Necrophillip/Open-Tuning-Tool/telemetry"
)

// delayFraction is the departure-from-zero level defining the delay metric,
// as a fraction of steady state.
const delayFraction = 0.1

// Curve is one time-normalized step response: relative time spans
// [-PreRoll, +ResponseWindow] with the trigger at t = 0, and the magnitude is
// normalized by the command step so ideal immediate tracking equals 1.0.
type Curve struct {
	Time    []float64
	Values  []float64
	Metrics Metrics
}

// Metrics are control-system descriptors derived from a response curve.
// Times are seconds from the trigger; Overshoot is a percentage of steady
// state. All fields are NaN when no steady state could be established.
type Metrics struct {
	SteadyState  float64 // mean of the window's tail segment
	RiseTime     float64 // first crossing of RiseFraction * steady state
	Overshoot    float64 // peak above steady state, percent
	SettlingTime float64 // time after which the response stays in band
	Delay        float64 // first meaningful departure from zero
}

// extract slices the gyro channel around an event, removes the pre-trigger
// baseline, and normalizes by the command step magnitude.
func extract(gyro *telemetry.Channel, ev Event, grid indexGrid, fs float64) Curve {
	start := ev.Index - grid.preRoll
	length := grid.preRoll + grid.window + 1

	values := make([]float64, length)
	times := make([]float64, length)

	baseline := mean(gyro.Values()[start:ev.Index])

	for j := 0; j < length; j++ {
		times[j] = float64(start+j-ev.Index) / fs
		values[j] = (gyro.Value(start+j) - baseline) / ev.Magnitude
	}

	return Curve{Time: times, Values: values}
}

// AnalyzeCurve computes response metrics for a curve using the configured
// rise fraction and settling band.
func AnalyzeCurve(c Curve, cfg Config) Metrics {
	return analyzeCurve(c, normalizeConfig(cfg))
}

func analyzeCurve(c Curve, cfg Config) Metrics {
	post, postTime := postTrigger(c)
	if len(post) == 0 {
		return nanMetrics()
	}

	// Steady state from the tail quarter of the response window.
	tailStart := len(post) - len(post)/4
	if tailStart >= len(post) {
		tailStart = len(post) - 1
	}

	steady := mean(post[tailStart:])
	if math.Abs(steady) < 1e-9 {
		return nanMetrics()
	}

	m := Metrics{
		SteadyState:  steady,
		RiseTime:     math.NaN(),
		Delay:        math.NaN(),
		SettlingTime: 0,
	}

	// Work on the response scaled by the steady-state sign so crossings are
	// always upward.
	sign := 1.0
	if steady < 0 {
		sign = -1
	}

	riseTarget := cfg.RiseFraction * math.Abs(steady)
	delayTarget := delayFraction * math.Abs(steady)

	peak := math.Inf(-1)

	for i, v := range post {
		sv := sign * v
		if sv > peak {
			peak = sv
		}

		if math.IsNaN(m.Delay) && sv >= delayTarget {
			m.Delay = postTime[i]
		}

		if math.IsNaN(m.RiseTime) && sv >= riseTarget {
			m.RiseTime = postTime[i]
		}
	}

	if over := (peak - math.Abs(steady)) / math.Abs(steady) * 100; over > 0 {
		m.Overshoot = over
	}

	// Settling: time of the last departure from the tolerance band.
	band := cfg.SettleBand * math.Abs(steady)
	for i := len(post) - 1; i >= 0; i-- {
		if math.Abs(post[i]-steady) > band {
			m.SettlingTime = postTime[i]
			break
		}
	}

	return m
}

// postTrigger returns the curve samples at t >= 0.
func postTrigger(c Curve) (values, times []float64) {
	for i, t := range c.Time {
		if t >= 0 {
			return c.Values[i:], c.Time[i:]
		}
	}

	return nil, nil
}

func nanMetrics() Metrics {
	nan := math.NaN()

	return Metrics{
		SteadyState:  nan,
		RiseTime:     nan,
		Overshoot:    nan,
		SettlingTime: nan,
		Delay:        nan,
	}
}

// Package resample produces uniform-rate views of irregularly sampled
// telemetry for spectral analysis and cross-log comparison.
//
// Values are obtained by linear interpolation between the bracketing original
// samples (Hermite 4-point cubic optionally). Spans where the source spacing
// exceeds a configurable multiple of the nominal loop interval are reported
// as gaps and filled with NaN instead of being interpolated across, so lost
// telemetry never fabricates response data.
package resample

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Necrophillip/Open-Tuning-Tool/telemetry"
)

// Errors returned by resampling.
var (
	ErrInvalidRate = errors.New("resample: target rate must be > 0")
	ErrNoNominal   = errors.New("resample: cannot infer a nominal rate")
)

// OutOfRangeError reports a requested time range outside the source log.
type OutOfRangeError struct {
	Log        string
	Start, End float64
	Min, Max   float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("resample: log %q: requested range [%.6f, %.6f] outside [%.6f, %.6f]",
		e.Log, e.Start, e.End, e.Min, e.Max)
}

// Gap marks a span of lost telemetry on the source timeline.
type Gap struct {
	Start, End float64
}

// Option configures resampling.
type Option func(*config)

type config struct {
	gapFactor float64
	cubic     bool
	start     float64
	end       float64
	hasRange  bool
}

const defaultGapFactor = 3.0

// WithGapFactor sets the gap threshold as a multiple of the nominal
// inter-sample interval (default 3).
func WithGapFactor(k float64) Option {
	return func(c *config) {
		if k > 1 {
			c.gapFactor = k
		}
	}
}

// WithCubic selects Hermite 4-point interpolation instead of linear.
func WithCubic() Option {
	return func(c *config) {
		c.cubic = true
	}
}

// WithRange restricts the output grid to [start, end] on the source timeline.
func WithRange(start, end float64) Option {
	return func(c *config) {
		c.start = start
		c.end = end
		c.hasRange = true
	}
}

// Uniform is a fixed-rate view over a store's channels. Immutable.
type Uniform struct {
	log      string
	rate     float64
	time     []float64
	order    []string
	channels map[string][]float64
	gaps     []Gap
}

// Log returns the source log identifier.
func (u *Uniform) Log() string { return u.log }

// Rate returns the grid rate in Hz.
func (u *Uniform) Rate() float64 { return u.rate }

// Len returns the grid sample count.
func (u *Uniform) Len() int { return len(u.time) }

// Times returns the grid timestamps. Read-only.
func (u *Uniform) Times() []float64 { return u.time }

// Gaps returns the flagged source gaps.
func (u *Uniform) Gaps() []Gap { return u.gaps }

// Names returns the resampled channel names.
func (u *Uniform) Names() []string {
	out := make([]string, len(u.order))
	copy(out, u.order)

	return out
}

// Values returns the resampled values for a channel. Samples inside flagged
// gaps are NaN. Read-only.
func (u *Uniform) Values(name string) ([]float64, error) {
	v, ok := u.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in log %q", telemetry.ErrUnknownChannel, name, u.log)
	}

	return v, nil
}

// Segments splits a channel into contiguous gap-free runs, suitable for
// spectral analysis that cannot tolerate NaN samples.
func (u *Uniform) Segments(name string) ([][]float64, error) {
	values, err := u.Values(name)
	if err != nil {
		return nil, err
	}

	var segments [][]float64

	start := -1

	for i, v := range values {
		if math.IsNaN(v) {
			if start >= 0 {
				segments = append(segments, values[start:i])
				start = -1
			}

			continue
		}

		if start < 0 {
			start = i
		}
	}

	if start >= 0 {
		segments = append(segments, values[start:])
	}

	return segments, nil
}

// Resample builds a uniform view of the named channels (all channels when
// names is nil) at the target rate in Hz. rate <= 0 infers the store's
// median sample rate. The result is a pure function of its inputs.
func Resample(store *telemetry.Store, rate float64, names []string, opts ...Option) (*Uniform, error) {
	cfg := config{gapFactor: defaultGapFactor}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if rate <= 0 {
		rate = store.MedianSampleRate()
		if rate <= 0 {
			return nil, fmt.Errorf("%w: log %q", ErrNoNominal, store.ID())
		}
	}

	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}

	start, end := store.Start(), store.End()
	if cfg.hasRange {
		if cfg.start < start || cfg.end > end || cfg.start > cfg.end {
			return nil, &OutOfRangeError{
				Log: store.ID(), Start: cfg.start, End: cfg.end, Min: start, Max: end,
			}
		}

		start, end = cfg.start, cfg.end
	}

	if names == nil {
		names = store.Names()
	}

	n := int(math.Floor((end-start)*rate)) + 1

	grid := make([]float64, n)
	for i := range grid {
		grid[i] = start + float64(i)/rate
	}

	// All channels of a store share one time base; gap detection happens once.
	first, err := store.Channel(store.Names()[0])
	if err != nil {
		return nil, err
	}

	gaps := findGaps(first.Times(), cfg.gapFactor)

	u := &Uniform{
		log:      store.ID(),
		rate:     rate,
		time:     grid,
		channels: make(map[string][]float64, len(names)),
		gaps:     gaps,
	}

	for _, name := range names {
		ch, err := store.Channel(name)
		if err != nil {
			return nil, err
		}

		u.order = append(u.order, name)
		u.channels[name] = sampleOnto(ch, grid, gaps, cfg.cubic)
	}

	return u, nil
}

// Interpolate returns the linearly interpolated value of ch at time t.
// A query at an original sample's exact timestamp returns that sample's
// value exactly.
func Interpolate(ch *telemetry.Channel, t float64) (float64, error) {
	if t < ch.Start() || t > ch.End() {
		return 0, &OutOfRangeError{
			Log: ch.Name(), Start: t, End: t, Min: ch.Start(), Max: ch.End(),
		}
	}

	return valueAt(ch, t, false), nil
}

// findGaps flags spans whose spacing exceeds factor times the median interval.
func findGaps(times []float64, factor float64) []Gap {
	if len(times) < 3 {
		return nil
	}

	deltas := make([]float64, len(times)-1)
	for i := 1; i < len(times); i++ {
		deltas[i-1] = times[i] - times[i-1]
	}

	sorted := make([]float64, len(deltas))
	copy(sorted, deltas)
	sort.Float64s(sorted)

	nominal := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		nominal = 0.5 * (sorted[len(sorted)/2-1] + sorted[len(sorted)/2])
	}

	if nominal <= 0 {
		return nil
	}

	limit := factor * nominal

	var gaps []Gap

	for i, d := range deltas {
		if d > limit {
			gaps = append(gaps, Gap{Start: times[i], End: times[i+1]})
		}
	}

	return gaps
}

func inGap(gaps []Gap, t float64) bool {
	for _, g := range gaps {
		if t > g.Start && t < g.End {
			return true
		}
	}

	return false
}

// sampleOnto evaluates ch on the grid, writing NaN inside flagged gaps.
func sampleOnto(ch *telemetry.Channel, grid []float64, gaps []Gap, cubic bool) []float64 {
	out := make([]float64, len(grid))

	for i, t := range grid {
		if inGap(gaps, t) {
			out[i] = math.NaN()
			continue
		}

		out[i] = valueAt(ch, t, cubic)
	}

	return out
}

// valueAt interpolates ch at t, which must lie within the channel's range.
func valueAt(ch *telemetry.Channel, t float64, cubic bool) float64 {
	idx := ch.SearchTime(t)

	if idx < ch.Len() && ch.Time(idx) == t {
		return ch.Value(idx)
	}

	if idx == 0 {
		return ch.Value(0)
	}

	if idx >= ch.Len() {
		return ch.Value(ch.Len() - 1)
	}

	lo := idx - 1
	t0, t1 := ch.Time(lo), ch.Time(idx)
	frac := (t - t0) / (t1 - t0)

	if !cubic {
		return lerp(ch.Value(lo), ch.Value(idx), frac)
	}

	xm1 := ch.Value(max(lo-1, 0))
	x2 := ch.Value(min(idx+1, ch.Len()-1))

	return hermite4(frac, xm1, ch.Value(lo), ch.Value(idx), x2)
}

func lerp(a, b, frac float64) float64 {
	return a + frac*(b-a)
}

// hermite4 computes cubic 4-point interpolation from x0 to x1 using the
// neighbor points xm1 and x2.
func hermite4(t, xm1, x0, x1, x2 float64) float64 {
	c0 := x0
	c1 := 0.5 * (x1 - xm1)
	c2 := xm1 - 2.5*x0 + 2*x1 - 0.5*x2
	c3 := 0.5*(x2-xm1) + 1.5*(x0-x1)

	return ((c3*t+c2)*t+c1)*t + c0
}

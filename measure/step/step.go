// Package step detects stick-input step transients on a command channel and
// derives normalized gyro response curves with control-system metrics (rise
// time, overshoot, settling time, delay), for judging PID tracking quality.
//
// Detection scans the command's first difference: a candidate triggers where
// the change across a short look-ahead interval exceeds the threshold and the
// command then holds near its new level for a minimum dwell time, which
// separates genuine stick steps from noise and oscillatory input. Candidates
// overlapping a previous event's response window are merged into it, keeping
// the earliest trigger.
package step

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Necrophillip/Open-Tuning-Tool/telemetry"
)

// Default detection and analysis parameters. The numeric values are tuning
// defaults; the detection count is monotonic in Threshold (smaller threshold,
// more detections).
const (
	DefaultThreshold      = 50.0  // command units
	DefaultLookAhead      = 0.005 // s
	DefaultMinDwell       = 0.040 // s
	DefaultDwellTolerance = 0.25  // fraction of the step magnitude
	DefaultPreRoll        = 0.050 // s before the trigger
	DefaultResponseWindow = 0.500 // s after the trigger
	DefaultRiseFraction   = 0.90  // fraction of steady state
	DefaultSettleBand     = 0.05  // tolerance band around steady state
	DefaultOutlierK       = 3.5   // MAD multiples for curve rejection

	// scanChunk is the cancellation-check granularity of the detection scan.
	scanChunk = 4096
)

// Errors returned by step analysis.
var (
	ErrChannelMismatch = errors.New("step: command and gyro channels differ in length")
	ErrNoSampleRate    = errors.New("step: cannot estimate channel sample rate")
	ErrNoCurves        = errors.New("step: no curves to aggregate")
)

// Config holds detection and analysis parameters. Zero values select the
// defaults; all durations are seconds.
type Config struct {
	Threshold      float64 // minimum command change to qualify as a step
	LookAhead      float64 // interval over which the change is measured
	MinDwell       float64 // hold time required at the new level
	DwellTolerance float64 // allowed wobble during dwell, fraction of step
	PreRoll        float64 // response window lead before the trigger
	ResponseWindow float64 // response window length after the trigger
	RiseFraction   float64 // rise-time crossing fraction
	SettleBand     float64 // settling tolerance band fraction
	OutlierK       float64 // aggregation outlier rejection strength
}

func normalizeConfig(cfg Config) Config {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}

	if cfg.LookAhead <= 0 {
		cfg.LookAhead = DefaultLookAhead
	}

	if cfg.MinDwell <= 0 {
		cfg.MinDwell = DefaultMinDwell
	}

	if cfg.DwellTolerance <= 0 {
		cfg.DwellTolerance = DefaultDwellTolerance
	}

	if cfg.PreRoll <= 0 {
		cfg.PreRoll = DefaultPreRoll
	}

	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = DefaultResponseWindow
	}

	if cfg.RiseFraction <= 0 || cfg.RiseFraction >= 1 {
		cfg.RiseFraction = DefaultRiseFraction
	}

	if cfg.SettleBand <= 0 {
		cfg.SettleBand = DefaultSettleBand
	}

	if cfg.OutlierK <= 0 {
		cfg.OutlierK = DefaultOutlierK
	}

	return cfg
}

// Event is one detected command step.
type Event struct {
	Axis      telemetry.Axis
	Index     int     // sample index of the trigger
	Trigger   float64 // trigger timestamp in seconds
	PreLevel  float64 // command level before the step
	PostLevel float64 // command level after the step
	Magnitude float64 // PostLevel - PreLevel
	Polarity  int     // +1 or -1
}

// Result holds all detected events and response curves for one axis.
// Zero detected events is a valid outcome, not an error: Events is empty and
// Average is nil.
type Result struct {
	Axis      telemetry.Axis
	Events    []Event
	Curves    []Curve
	Average   *Curve // robust aggregate across Curves, nil when empty
	Discarded []int  // curve indices rejected by the aggregation
}

// Detect finds step events on the command channel and extracts the
// corresponding normalized gyro response curves. The two channels must come
// from the same store (same length and time base). Cancellation is checked
// between scan chunks and between extracted events.
func Detect(ctx context.Context, axis telemetry.Axis, command, gyro *telemetry.Channel, cfg Config) (*Result, error) {
	cfg = normalizeConfig(cfg)

	if command.Len() != gyro.Len() {
		return nil, fmt.Errorf("%w: %d vs %d", ErrChannelMismatch, command.Len(), gyro.Len())
	}

	fs := sampleRate(command)
	if fs <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoSampleRate, command.Name())
	}

	grid := windowGrid(cfg, fs)

	events, err := scan(ctx, axis, command, cfg, grid)
	if err != nil {
		return nil, err
	}

	res := &Result{Axis: axis, Events: events}

	for _, ev := range events {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		curve := extract(gyro, ev, grid, fs)
		curve.Metrics = analyzeCurve(curve, cfg)
		res.Curves = append(res.Curves, curve)
	}

	if len(res.Curves) > 0 {
		avg, discarded, err := Aggregate(res.Curves, cfg.OutlierK)
		if err != nil {
			return nil, err
		}

		avg.Metrics = analyzeCurve(avg, cfg)
		res.Average = &avg
		res.Discarded = discarded
	}

	return res, nil
}

// DetectStore runs Detect on a store's canonical command and gyro channels
// for the given axis.
func DetectStore(ctx context.Context, store *telemetry.Store, axis telemetry.Axis, cfg Config) (*Result, error) {
	command, err := store.Channel(telemetry.SetpointChannel(axis))
	if err != nil {
		return nil, err
	}

	gyro, err := store.Channel(telemetry.GyroChannel(axis))
	if err != nil {
		return nil, err
	}

	return Detect(ctx, axis, command, gyro, cfg)
}

// indexGrid holds the detection windows converted to sample counts.
type indexGrid struct {
	lookAhead int
	dwell     int
	preRoll   int
	window    int
}

func windowGrid(cfg Config, fs float64) indexGrid {
	toSamples := func(sec float64) int {
		n := int(math.Round(sec * fs))
		if n < 1 {
			n = 1
		}

		return n
	}

	return indexGrid{
		lookAhead: toSamples(cfg.LookAhead),
		dwell:     toSamples(cfg.MinDwell),
		preRoll:   toSamples(cfg.PreRoll),
		window:    toSamples(cfg.ResponseWindow),
	}
}

// sampleRate estimates the channel rate from the median interval, falling
// back to the average rate for very short channels.
func sampleRate(ch *telemetry.Channel) float64 {
	if d := ch.MedianInterval(); d > 0 {
		return 1 / d
	}

	if ch.Len() > 1 && ch.Duration() > 0 {
		return float64(ch.Len()-1) / ch.Duration()
	}

	return 0
}

// scan walks the command channel and returns the accepted step events in
// trigger order.
func scan(ctx context.Context, axis telemetry.Axis, command *telemetry.Channel, cfg Config, grid indexGrid) ([]Event, error) {
	cmd := command.Values()
	n := len(cmd)

	var events []Event

	lastEnd := -1

	for i := grid.preRoll; i+grid.lookAhead+grid.dwell < n; i++ {
		if i%scanChunk == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		if i <= lastEnd {
			continue
		}

		if math.Abs(cmd[i+grid.lookAhead]-cmd[i]) < cfg.Threshold {
			continue
		}

		preLevel := mean(cmd[i-grid.preRoll : i])
		postStart := i + grid.lookAhead
		postLevel := mean(cmd[postStart : postStart+grid.dwell])

		magnitude := postLevel - preLevel
		if math.Abs(magnitude) < cfg.Threshold {
			continue
		}

		// Dwell-hold: the command must stay near its new level, otherwise
		// this is oscillatory input rather than a step.
		if !holds(cmd[postStart:postStart+grid.dwell], postLevel, cfg.DwellTolerance*math.Abs(magnitude)) {
			continue
		}

		trigger := steepestIndex(cmd, i, i+grid.lookAhead)
		if trigger+grid.window >= n {
			break
		}

		polarity := 1
		if magnitude < 0 {
			polarity = -1
		}

		events = append(events, Event{
			Axis:      axis,
			Index:     trigger,
			Trigger:   command.Time(trigger),
			PreLevel:  preLevel,
			PostLevel: postLevel,
			Magnitude: magnitude,
			Polarity:  polarity,
		})

		lastEnd = trigger + grid.window
	}

	return events, nil
}

// holds reports whether all samples stay within tol of level.
func holds(seg []float64, level, tol float64) bool {
	for _, v := range seg {
		if math.Abs(v-level) > tol {
			return false
		}
	}

	return true
}

// steepestIndex returns the index in (lo, hi] with the largest absolute
// first difference, refining the trigger onto the sharpest sample.
func steepestIndex(cmd []float64, lo, hi int) int {
	best := lo + 1
	bestDiff := 0.0

	for i := lo + 1; i <= hi && i < len(cmd); i++ {
		if d := math.Abs(cmd[i] - cmd[i-1]); d > bestDiff {
			bestDiff = d
			best = i
		}
	}

	return best
}

func mean(seg []float64) float64 {
	if len(seg) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range seg {
		sum += v
	}

	return sum / float64(len(seg))
}

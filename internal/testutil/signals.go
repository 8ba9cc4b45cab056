// Package testutil provides deterministic signal builders and tolerance
// helpers shared by the analysis package tests.
package testutil

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/Necrophillip/Open-Tuning-Tool/telemetry"
)

// Times returns n uniformly spaced timestamps at the given rate, starting
// at t = 0.
func Times(n int, rate float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i) / rate
	}

	return out
}

// DeterministicSine generates a sine wave with known frequency and amplitude.
func DeterministicSine(freqHz, sampleRate, amplitude float64, length int) []float64 {
	out := make([]float64, length)
	step := 2 * math.Pi * freqHz / sampleRate

	for i := range out {
		out[i] = amplitude * math.Sin(step*float64(i))
	}

	return out
}

// DeterministicNoise generates white noise with a fixed seed.
func DeterministicNoise(seed int64, amplitude float64, length int) []float64 {
	out := make([]float64, length)
	rng := rand.New(rand.NewSource(seed))

	for i := range out {
		out[i] = (rng.Float64()*2 - 1) * amplitude
	}

	return out
}

// StepCommand builds a command trace that holds pre, jumps to post at the
// trigger index, and holds post for the remainder.
func StepCommand(pre, post float64, trigger, length int) []float64 {
	out := make([]float64, length)
	for i := range out {
		if i < trigger {
			out[i] = pre
		} else {
			out[i] = post
		}
	}

	return out
}

// MultiStepCommand places well-separated steps of the given magnitude at
// each trigger index, alternating polarity, starting from zero.
func MultiStepCommand(magnitude float64, triggers []int, length int) []float64 {
	out := make([]float64, length)
	level := 0.0
	sign := 1.0
	next := 0

	for i := range out {
		if next < len(triggers) && i == triggers[next] {
			level += sign * magnitude
			sign = -sign
			next++
		}

		out[i] = level
	}

	return out
}

// FirstOrderResponse simulates a first-order tracking response to a command:
// y' = (cmd - y) / tau. The discrete update uses the grid interval 1/rate.
func FirstOrderResponse(command []float64, rate, tau float64) []float64 {
	out := make([]float64, len(command))
	if len(command) == 0 {
		return out
	}

	dt := 1 / rate
	alpha := dt / tau
	y := command[0]

	for i, c := range command {
		y += (c - y) * alpha
		out[i] = y
	}

	return out
}

// MakeStore builds a telemetry store from uniformly sampled channels.
// All channels share the same rate and length.
func MakeStore(t *testing.T, id string, rate float64, channels map[string][]float64) *telemetry.Store {
	t.Helper()

	var built []*telemetry.Channel

	n := -1
	for _, values := range channels {
		n = len(values)
		break
	}

	times := Times(n, rate)

	// Stable iteration order keeps store construction deterministic.
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		ch, err := telemetry.NewChannel(name, telemetry.UnitDegPerSec, times, channels[name])
		if err != nil {
			t.Fatal(err)
		}

		built = append(built, ch)
	}

	st, err := telemetry.NewStore(id, built, telemetry.Metadata{LoopInterval: 1 / rate})
	if err != nil {
		t.Fatal(err)
	}

	return st
}

// AxisStore builds a store with gyro and setpoint channels for one axis,
// the minimal shape step detection and alignment need.
func AxisStore(t *testing.T, id string, axis telemetry.Axis, rate float64, command, gyro []float64) *telemetry.Store {
	t.Helper()

	return MakeStore(t, id, rate, map[string][]float64{
		telemetry.SetpointChannel(axis): command,
		telemetry.GyroChannel(axis):     gyro,
	})
}

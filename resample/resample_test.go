package resample

import (
	"errors"
	"math"
	"testing"

	"github.com/Necrophillip/Open-Tuning-Tool/internal/testutil"
	"github.com/Necrophillip/Open-Tuning-Tool/telemetry"
)

func rampChannel(t *testing.T, times []float64) *telemetry.Channel {
	t.Helper()

	values := make([]float64, len(times))
	for i, tt := range times {
		values[i] = 10 * tt // exact linear ramp, lerp reproduces it everywhere
	}

	ch, err := telemetry.NewChannel("ramp", telemetry.UnitDegPerSec, times, values)
	if err != nil {
		t.Fatal(err)
	}

	return ch
}

func rampStore(t *testing.T, times []float64) *telemetry.Store {
	t.Helper()

	st, err := telemetry.NewStore("log", []*telemetry.Channel{rampChannel(t, times)}, telemetry.Metadata{})
	if err != nil {
		t.Fatal(err)
	}

	return st
}

func TestResampleSampleCount(t *testing.T) {
	// 1 s of data at irregular ~1 kHz, resampled to assorted rates.
	times := testutil.Times(1001, 1000)
	st := rampStore(t, times)

	for _, rate := range []float64{100, 500, 1000, 1750} {
		u, err := Resample(st, rate, nil)
		if err != nil {
			t.Fatal(err)
		}

		want := int(math.Floor(st.Duration()*rate)) + 1
		if diff := u.Len() - want; diff < -1 || diff > 1 {
			t.Errorf("rate %.0f: Len = %d, want %d +/- 1", rate, u.Len(), want)
		}

		if u.Rate() != rate {
			t.Errorf("rate %.0f: Rate = %v", rate, u.Rate())
		}
	}
}

func TestResampleExactTimestampsReproduceValues(t *testing.T) {
	times := testutil.Times(2001, 2000)
	st := rampStore(t, times)

	// Same grid as the source: every output sample must match the original
	// value exactly, not approximately.
	u, err := Resample(st, 2000, []string{"ramp"})
	if err != nil {
		t.Fatal(err)
	}

	values, err := u.Values("ramp")
	if err != nil {
		t.Fatal(err)
	}

	ch, _ := st.Channel("ramp")
	for i, v := range values {
		if v != ch.Value(i) {
			t.Fatalf("sample %d: got %v, want exact %v", i, v, ch.Value(i))
		}
	}
}

func TestInterpolateExactAndBetween(t *testing.T) {
	times := []float64{0, 0.001, 0.002, 0.004}
	values := []float64{0, 1, 4, 8}

	ch, err := telemetry.NewChannel("x", telemetry.UnitRaw, times, values)
	if err != nil {
		t.Fatal(err)
	}

	got, err := Interpolate(ch, 0.002)
	if err != nil {
		t.Fatal(err)
	}

	if got != 4 {
		t.Errorf("exact timestamp: got %v, want 4", got)
	}

	got, err = Interpolate(ch, 0.003)
	if err != nil {
		t.Fatal(err)
	}

	testutil.RequireNearlyEqual(t, got, 6, 1e-12)
}

func TestInterpolateOutOfRange(t *testing.T) {
	ch := rampChannel(t, testutil.Times(10, 1000))

	_, err := Interpolate(ch, -0.5)

	var rangeErr *OutOfRangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("err = %v, want *OutOfRangeError", err)
	}
}

func TestResampleRangeOutsideSource(t *testing.T) {
	st := rampStore(t, testutil.Times(100, 1000))

	_, err := Resample(st, 1000, nil, WithRange(0, 5))

	var rangeErr *OutOfRangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("err = %v, want *OutOfRangeError", err)
	}
}

func TestResampleInfersMedianRate(t *testing.T) {
	st := rampStore(t, testutil.Times(500, 4000))

	u, err := Resample(st, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	testutil.RequireNearlyEqual(t, u.Rate(), 4000, 1e-6)
}

func TestResampleFlagsGaps(t *testing.T) {
	// 1 kHz sampling with 50 ms of lost telemetry in the middle.
	var times []float64
	for i := 0; i < 100; i++ {
		times = append(times, float64(i)*0.001)
	}

	for i := 0; i < 100; i++ {
		times = append(times, 0.150+float64(i)*0.001)
	}

	st := rampStore(t, times)

	u, err := Resample(st, 1000, nil)
	if err != nil {
		t.Fatal(err)
	}

	gaps := u.Gaps()
	if len(gaps) != 1 {
		t.Fatalf("Gaps = %v, want exactly one", gaps)
	}

	testutil.RequireNearlyEqual(t, gaps[0].Start, 0.099, 1e-9)
	testutil.RequireNearlyEqual(t, gaps[0].End, 0.150, 1e-9)

	values, err := u.Values("ramp")
	if err != nil {
		t.Fatal(err)
	}

	sawNaN := false

	for i, v := range values {
		tt := u.Times()[i]
		inside := tt > gaps[0].Start && tt < gaps[0].End

		if inside && !math.IsNaN(v) {
			t.Fatalf("t=%.4f inside gap interpolated to %v, want NaN", tt, v)
		}

		if !inside && math.IsNaN(v) {
			t.Fatalf("t=%.4f outside gap is NaN", tt)
		}

		sawNaN = sawNaN || math.IsNaN(v)
	}

	if !sawNaN {
		t.Error("no NaN samples inside the flagged gap")
	}

	segments, err := u.Segments("ramp")
	if err != nil {
		t.Fatal(err)
	}

	if len(segments) != 2 {
		t.Errorf("Segments = %d runs, want 2", len(segments))
	}
}

func TestResampleCubicMatchesLinearOnRamp(t *testing.T) {
	// Hermite interpolation is exact for linear data, so both modes agree.
	st := rampStore(t, testutil.Times(100, 1000))

	linear, err := Resample(st, 3000, nil)
	if err != nil {
		t.Fatal(err)
	}

	cubic, err := Resample(st, 3000, nil, WithCubic())
	if err != nil {
		t.Fatal(err)
	}

	lv, _ := linear.Values("ramp")
	cv, _ := cubic.Values("ramp")
	testutil.RequireSliceNearlyEqual(t, cv, lv, 1e-9)
}

func TestResampleIsDeterministic(t *testing.T) {
	st := rampStore(t, testutil.Times(256, 1000))

	a, err := Resample(st, 1234, nil)
	if err != nil {
		t.Fatal(err)
	}

	b, err := Resample(st, 1234, nil)
	if err != nil {
		t.Fatal(err)
	}

	av, _ := a.Values("ramp")
	bv, _ := b.Values("ramp")

	for i := range av {
		if av[i] != bv[i] {
			t.Fatalf("non-deterministic output at sample %d", i)
		}
	}
}

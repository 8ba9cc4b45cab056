package step

import (
	"math"
	"testing"

	"github.com/Necrophillip/Open-Tuning-Tool/internal/testutil"
)

// syntheticCurves builds n normalized first-order response curves with small
// per-curve deterministic perturbations.
func syntheticCurves(n int) []Curve {
	const (
		rate    = 1000.0
		trigger = 50
		length  = 551
	)

	command := testutil.StepCommand(0, 1, trigger, length)
	base := testutil.FirstOrderResponse(command, rate, 0.02)

	times := make([]float64, length)
	for i := range times {
		times[i] = float64(i-trigger) / rate
	}

	curves := make([]Curve, n)
	for i := range curves {
		noise := testutil.DeterministicNoise(int64(i+1), 0.01, length)

		values := make([]float64, length)
		for j := range values {
			values[j] = base[j] + noise[j]
		}

		curves[i] = Curve{Time: times, Values: values}
	}

	return curves
}

func TestAggregateOrderInvariance(t *testing.T) {
	curves := syntheticCurves(6)

	forward, discardedFwd, err := Aggregate(curves, 0)
	if err != nil {
		t.Fatal(err)
	}

	reversed := make([]Curve, len(curves))
	for i, c := range curves {
		reversed[len(curves)-1-i] = c
	}

	backward, discardedRev, err := Aggregate(reversed, 0)
	if err != nil {
		t.Fatal(err)
	}

	if len(discardedFwd) != len(discardedRev) {
		t.Fatalf("discard count differs by order: %d vs %d", len(discardedFwd), len(discardedRev))
	}

	testutil.RequireSliceNearlyEqual(t, forward.Values, backward.Values, 1e-9)
}

func TestAggregateRejectsCorruptedCurve(t *testing.T) {
	curves := syntheticCurves(6)

	clean, _, err := Aggregate(curves, 0)
	if err != nil {
		t.Fatal(err)
	}

	cleanMetrics := AnalyzeCurve(clean, Config{})

	// Inject one sign-inverted response among the consistent ones.
	inverted := Curve{
		Time:   curves[0].Time,
		Values: make([]float64, len(curves[0].Values)),
	}
	for j, v := range curves[0].Values {
		inverted.Values[j] = -v
	}

	tainted := append(append([]Curve(nil), curves[:3]...), inverted)
	tainted = append(tainted, curves[3:]...)

	avg, discarded, err := Aggregate(tainted, 0)
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, i := range discarded {
		if i == 3 {
			found = true
		}
	}

	if !found {
		t.Errorf("inverted curve (index 3) not discarded: %v", discarded)
	}

	m := AnalyzeCurve(avg, Config{})
	if math.Abs(m.RiseTime-cleanMetrics.RiseTime) > 0.005 {
		t.Errorf("corrupted curve shifted rise time from %v to %v", cleanMetrics.RiseTime, m.RiseTime)
	}
}

func TestAggregateLengthMismatch(t *testing.T) {
	curves := syntheticCurves(3)
	curves[1].Values = curves[1].Values[:100]

	if _, _, err := Aggregate(curves, 0); err == nil {
		t.Error("mismatched curve lengths accepted")
	}
}

func TestAggregateEmpty(t *testing.T) {
	if _, _, err := Aggregate(nil, 0); err != ErrNoCurves {
		t.Errorf("err = %v, want ErrNoCurves", err)
	}
}

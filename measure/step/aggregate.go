package step

import (
	"fmt"
	"math"
	"sort"
)

// Aggregate combines individual response curves into one robust average.
//
// The pointwise median across curves forms a reference; each curve is scored
// by its mean absolute deviation from that reference, and curves scoring
// beyond outlierK median-absolute-deviations are discarded. The survivors are
// averaged pointwise. The result is independent of the order in which curves
// are supplied, and a single corrupted curve among consistent ones cannot
// drag the aggregate.
func Aggregate(curves []Curve, outlierK float64) (Curve, []int, error) {
	if len(curves) == 0 {
		return Curve{}, nil, ErrNoCurves
	}

	if outlierK <= 0 {
		outlierK = DefaultOutlierK
	}

	length := len(curves[0].Values)
	for i, c := range curves {
		if len(c.Values) != length {
			return Curve{}, nil, fmt.Errorf("step: curve %d has %d samples, want %d", i, len(c.Values), length)
		}
	}

	reference := pointwiseMedian(curves, length)

	// Score each curve against the reference.
	scores := make([]float64, len(curves))
	for i, c := range curves {
		sum := 0.0
		for j, v := range c.Values {
			sum += math.Abs(v - reference[j])
		}

		scores[i] = sum / float64(length)
	}

	medScore := median(scores)

	deviations := make([]float64, len(scores))
	for i, s := range scores {
		deviations[i] = math.Abs(s - medScore)
	}

	mad := median(deviations)
	if mad < 1e-12 {
		mad = 1e-12
	}

	limit := medScore + outlierK*mad

	var (
		kept      []int
		discarded []int
	)

	for i, s := range scores {
		if s <= limit {
			kept = append(kept, i)
		} else {
			discarded = append(discarded, i)
		}
	}

	// The median of scores is always within the limit, so kept is never empty.
	avg := Curve{
		Time:   append([]float64(nil), curves[0].Time...),
		Values: make([]float64, length),
	}

	for j := 0; j < length; j++ {
		sum := 0.0
		for _, i := range kept {
			sum += curves[i].Values[j]
		}

		avg.Values[j] = sum / float64(len(kept))
	}

	return avg, discarded, nil
}

func pointwiseMedian(curves []Curve, length int) []float64 {
	out := make([]float64, length)
	column := make([]float64, len(curves))

	for j := 0; j < length; j++ {
		for i, c := range curves {
			column[i] = c.Values[j]
		}

		out[j] = median(column)
	}

	return out
}

// median returns the median of values without mutating the input.
func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}

	return 0.5 * (sorted[mid-1] + sorted[mid])
}

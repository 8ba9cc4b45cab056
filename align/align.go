// Package align computes time offsets that map several channel stores onto a
// common reference timeline, so tuning sessions recorded at different times
// can be overlaid for comparison.
package align

import (
	"context"
	"errors"
	"fmt"

	"github.com/Necrophillip/Open-Tuning-Tool/measure/step"
	"github.com/Necrophillip/Open-Tuning-Tool/telemetry"
)

// Mode selects the alignment strategy.
type Mode int

const (
	// ByStart aligns the first sample of each store.
	ByStart Mode = iota

	// ByFirstEvent aligns the first detected step event on a chosen axis,
	// letting before/after comparisons line up on the same stick input even
	// when the logs start at different times.
	ByFirstEvent

	// Manual applies caller-supplied per-store offsets.
	Manual
)

func (m Mode) String() string {
	switch m {
	case ByStart:
		return "by-start"
	case ByFirstEvent:
		return "by-first-matching-event"
	case Manual:
		return "manual-offset"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a strategy name to its Mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "by-start":
		return ByStart, nil
	case "by-first-matching-event", "by-first-event":
		return ByFirstEvent, nil
	case "manual-offset", "manual":
		return Manual, nil
	default:
		return 0, fmt.Errorf("align: unknown mode %q", name)
	}
}

// Errors returned by alignment.
var (
	ErrNoReference         = errors.New("align: reference store is nil")
	ErrManualOffsetMissing = errors.New("align: no manual offset for store")
)

// NoAlignmentAnchorError reports a participant in which the strategy's
// required anchor event does not exist.
type NoAlignmentAnchorError struct {
	Log  string
	Axis telemetry.Axis
}

func (e *NoAlignmentAnchorError) Error() string {
	return fmt.Sprintf("align: log %q has no %s step event to anchor on", e.Log, e.Axis)
}

// Spec describes one alignment request.
type Spec struct {
	Mode Mode

	// Axis selects the anchor axis for ByFirstEvent.
	Axis telemetry.Axis

	// Step configures the anchor detection for ByFirstEvent. The zero value
	// uses the detector defaults.
	Step step.Config

	// Offsets supplies the per-store shift for Manual mode, keyed by store id.
	Offsets map[string]float64
}

// Offset shifts one store's timeline onto the reference: subtracting Seconds
// from the store's timestamps overlays it on the reference.
type Offset struct {
	Log     string
	Seconds float64
}

// Offsets computes one offset per non-reference store. Offsets are purely
// derived and must be recomputed when the reference or participant set
// changes.
func Offsets(ctx context.Context, ref *telemetry.Store, others []*telemetry.Store, spec Spec) ([]Offset, error) {
	if ref == nil {
		return nil, ErrNoReference
	}

	switch spec.Mode {
	case ByStart:
		return byStart(ref, others), nil
	case ByFirstEvent:
		return byFirstEvent(ctx, ref, others, spec)
	case Manual:
		return manual(others, spec.Offsets)
	default:
		return nil, fmt.Errorf("align: unknown mode %q", spec.Mode)
	}
}

func byStart(ref *telemetry.Store, others []*telemetry.Store) []Offset {
	out := make([]Offset, len(others))
	for i, st := range others {
		out[i] = Offset{Log: st.ID(), Seconds: st.Start() - ref.Start()}
	}

	return out
}

func byFirstEvent(ctx context.Context, ref *telemetry.Store, others []*telemetry.Store, spec Spec) ([]Offset, error) {
	anchor, err := firstTrigger(ctx, ref, spec)
	if err != nil {
		return nil, err
	}

	out := make([]Offset, len(others))

	for i, st := range others {
		trigger, err := firstTrigger(ctx, st, spec)
		if err != nil {
			return nil, err
		}

		out[i] = Offset{Log: st.ID(), Seconds: trigger - anchor}
	}

	return out, nil
}

// firstTrigger returns the trigger timestamp of the earliest step event on
// the requested axis.
func firstTrigger(ctx context.Context, st *telemetry.Store, spec Spec) (float64, error) {
	res, err := step.DetectStore(ctx, st, spec.Axis, spec.Step)
	if err != nil {
		return 0, err
	}

	if len(res.Events) == 0 {
		return 0, &NoAlignmentAnchorError{Log: st.ID(), Axis: spec.Axis}
	}

	return res.Events[0].Trigger, nil
}

func manual(others []*telemetry.Store, offsets map[string]float64) ([]Offset, error) {
	out := make([]Offset, len(others))

	for i, st := range others {
		seconds, ok := offsets[st.ID()]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrManualOffsetMissing, st.ID())
		}

		out[i] = Offset{Log: st.ID(), Seconds: seconds}
	}

	return out, nil
}

package session

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Necrophillip/Open-Tuning-Tool/align"
	"github.com/Necrophillip/Open-Tuning-Tool/internal/testutil"
	"github.com/Necrophillip/Open-Tuning-Tool/measure/noise"
	"github.com/Necrophillip/Open-Tuning-Tool/telemetry"
)

const rate = 1000.0

func newStepSession(t *testing.T, id string, trigger int) (*Session, *telemetry.Store) {
	t.Helper()

	command := testutil.MultiStepCommand(500, []int{trigger}, 5000)
	gyro := testutil.FirstOrderResponse(command, rate, 0.02)
	st := testutil.AxisStore(t, id, telemetry.AxisRoll, rate, command, gyro)

	s := New()
	if err := s.Load(st); err != nil {
		t.Fatal(err)
	}

	return s, st
}

// receive waits for one outcome with a test deadline.
func receive[T any](t *testing.T, ch <-chan Outcome[T]) (Outcome[T], bool) {
	t.Helper()

	select {
	case out, ok := <-ch:
		return out, ok
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery within deadline")
		return Outcome[T]{}, false
	}
}

func TestAnalyzeStepDelivers(t *testing.T) {
	s, _ := newStepSession(t, "flight", 1000)

	ch, err := s.AnalyzeStep(StepRequest{Log: "flight", Axis: telemetry.AxisRoll})
	if err != nil {
		t.Fatal(err)
	}

	out, ok := receive(t, ch)
	if !ok || out.Err != nil {
		t.Fatalf("outcome = %+v, delivered = %v", out, ok)
	}

	if len(out.Value.Events) != 1 {
		t.Errorf("detected %d events, want 1", len(out.Value.Events))
	}
}

func TestAnalyzeNoiseEndToEnd(t *testing.T) {
	const freq = 187.5 // on-bin for 1000 Hz / 256

	st := testutil.MakeStore(t, "hover", rate, map[string][]float64{
		telemetry.GyroChannel(telemetry.AxisRoll): testutil.DeterministicSine(freq, rate, 2, 8192),
	})

	s := New()
	if err := s.Load(st); err != nil {
		t.Fatal(err)
	}

	ch, err := s.AnalyzeNoise(NoiseRequest{
		Log:     "hover",
		Channel: telemetry.GyroChannel(telemetry.AxisRoll),
	})
	if err != nil {
		t.Fatal(err)
	}

	out, _ := receive(t, ch)
	if out.Err != nil {
		t.Fatal(out.Err)
	}

	peakFreq, _ := out.Value.Peak()
	if math.Abs(peakFreq-freq) > out.Value.Resolution {
		t.Errorf("peak at %.2f Hz, want %.2f Hz", peakFreq, freq)
	}
}

func TestCachedResultDeliversImmediately(t *testing.T) {
	s, _ := newStepSession(t, "flight", 1000)

	req := StepRequest{Log: "flight", Axis: telemetry.AxisRoll}

	ch, err := s.AnalyzeStep(req)
	if err != nil {
		t.Fatal(err)
	}

	first, _ := receive(t, ch)
	if first.Err != nil {
		t.Fatal(first.Err)
	}

	ch, err = s.AnalyzeStep(req)
	if err != nil {
		t.Fatal(err)
	}

	second, ok := receive(t, ch)
	if !ok {
		t.Fatal("cache hit delivered nothing")
	}

	if second.Value != first.Value {
		t.Error("cache hit recomputed instead of reusing the result")
	}
}

func TestResubmitSupersedesPending(t *testing.T) {
	s := New()
	k := key{log: "a", component: "test", params: "p"}

	started := make(chan struct{})

	s.mu.Lock()
	first := submitLocked(s, k, []string{"a"}, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()

		return 0, ctx.Err()
	})

	<-started

	s.mu.Lock()
	second := submitLocked(s, k, []string{"a"}, func(context.Context) (int, error) {
		return 42, nil
	})

	// The superseded task's channel closes without a delivery.
	if out, ok := receive(t, first); ok {
		t.Fatalf("superseded task delivered %+v", out)
	}

	out, ok := receive(t, second)
	if !ok || out.Err != nil || out.Value != 42 {
		t.Fatalf("latest submission outcome = %+v, delivered = %v", out, ok)
	}
}

func TestUnloadCancelsPendingAndInvalidatesCache(t *testing.T) {
	s, st := newStepSession(t, "flight", 1000)

	req := StepRequest{Log: "flight", Axis: telemetry.AxisRoll}

	ch, err := s.AnalyzeStep(req)
	if err != nil {
		t.Fatal(err)
	}

	first, _ := receive(t, ch)
	if first.Err != nil {
		t.Fatal(first.Err)
	}

	// A still-pending task on the same log is dropped by Unload.
	started := make(chan struct{})
	k := key{log: "flight", component: "test", params: "p"}

	s.mu.Lock()
	pending := submitLocked(s, k, []string{"flight"}, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()

		return 0, ctx.Err()
	})

	<-started
	s.Unload("flight")

	if out, ok := receive(t, pending); ok {
		t.Fatalf("unloaded task delivered %+v", out)
	}

	if _, err := s.AnalyzeStep(req); !errors.Is(err, ErrUnknownLog) {
		t.Fatalf("err = %v, want ErrUnknownLog after unload", err)
	}

	// Reloading and resubmitting recomputes rather than reusing stale cache.
	if err := s.Load(st); err != nil {
		t.Fatal(err)
	}

	ch, err = s.AnalyzeStep(req)
	if err != nil {
		t.Fatal(err)
	}

	second, _ := receive(t, ch)
	if second.Err != nil {
		t.Fatal(second.Err)
	}

	if second.Value == first.Value {
		t.Error("result survived invalidation")
	}
}

func TestFailedAnalysisIsNotCached(t *testing.T) {
	// 100 samples cannot fill the default 256-sample Welch window.
	st := testutil.MakeStore(t, "short", rate, map[string][]float64{
		telemetry.GyroChannel(telemetry.AxisRoll): testutil.DeterministicNoise(1, 1, 100),
	})

	s := New()
	if err := s.Load(st); err != nil {
		t.Fatal(err)
	}

	req := NoiseRequest{Log: "short", Channel: telemetry.GyroChannel(telemetry.AxisRoll)}

	for i := 0; i < 2; i++ {
		ch, err := s.AnalyzeNoise(req)
		if err != nil {
			t.Fatal(err)
		}

		out, ok := receive(t, ch)
		if !ok {
			t.Fatal("error outcome not delivered")
		}

		var short *noise.InsufficientSamplesError
		if !errors.As(out.Err, &short) {
			t.Fatalf("attempt %d: err = %v, want *InsufficientSamplesError", i, out.Err)
		}
	}
}

func TestAlignStoresThroughSession(t *testing.T) {
	s, _ := newStepSession(t, "before", 1000)

	command := testutil.MultiStepCommand(500, []int{3500}, 5000)
	gyro := testutil.FirstOrderResponse(command, rate, 0.02)
	after := testutil.AxisStore(t, "after", telemetry.AxisRoll, rate, command, gyro)

	if err := s.Load(after); err != nil {
		t.Fatal(err)
	}

	ch, err := s.AlignStores(AlignRequest{
		Reference: "before",
		Others:    []string{"after"},
		Spec:      align.Spec{Mode: align.ByFirstEvent, Axis: telemetry.AxisRoll},
	})
	if err != nil {
		t.Fatal(err)
	}

	out, _ := receive(t, ch)
	if out.Err != nil {
		t.Fatal(out.Err)
	}

	if len(out.Value) != 1 {
		t.Fatalf("got %d offsets, want 1", len(out.Value))
	}

	testutil.RequireNearlyEqual(t, out.Value[0].Seconds, 2.5, 1.5/rate)
}

func TestSessionBookkeeping(t *testing.T) {
	s, st := newStepSession(t, "flight", 1000)

	if err := s.Load(st); !errors.Is(err, ErrDuplicateLog) {
		t.Errorf("double load: err = %v, want ErrDuplicateLog", err)
	}

	if logs := s.Logs(); len(logs) != 1 || logs[0] != "flight" {
		t.Errorf("Logs() = %v", logs)
	}

	if _, err := s.AnalyzeStep(StepRequest{Log: "ghost"}); !errors.Is(err, ErrUnknownLog) {
		t.Errorf("unknown log: err = %v, want ErrUnknownLog", err)
	}

	s.Close()

	if err := s.Load(st); !errors.Is(err, ErrClosed) {
		t.Errorf("load after close: err = %v, want ErrClosed", err)
	}

	if _, err := s.AnalyzeStep(StepRequest{Log: "flight"}); !errors.Is(err, ErrClosed) {
		t.Errorf("submit after close: err = %v, want ErrClosed", err)
	}
}

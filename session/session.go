// Package session coordinates asynchronous, cancellable analysis over a set
// of loaded logs. Analysis tasks are pure functions over immutable stores and
// explicit parameters; the session adds the mutable parts around them: a
// result cache keyed by (log, component, parameter fingerprint), an in-flight
// table that lets a resubmitted identical request supersede the running one,
// and invalidation when a log is unloaded.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/Necrophillip/Open-Tuning-Tool/align"
	"github.com/Necrophillip/Open-Tuning-Tool/measure/noise"
	"github.com/Necrophillip/Open-Tuning-Tool/measure/step"
	"github.com/Necrophillip/Open-Tuning-Tool/resample"
	"github.com/Necrophillip/Open-Tuning-Tool/telemetry"
)

// Errors returned by session operations.
var (
	ErrUnknownLog   = errors.New("session: log not loaded")
	ErrDuplicateLog = errors.New("session: log already loaded")
	ErrClosed       = errors.New("session: closed")
)

// Component names partition the cache key space.
const (
	componentNoise = "noise"
	componentStep  = "step"
	componentAlign = "align"
)

// Outcome is one analysis delivery. Exactly one of Value and Err is
// meaningful; a superseded or unloaded task delivers nothing and its channel
// is closed instead.
type Outcome[T any] struct {
	Value T
	Err   error
}

// key identifies one analysis request: same key, same result.
type key struct {
	log       string
	component string
	params    string
}

// task is one in-flight analysis.
type task struct {
	cancel context.CancelFunc
	drop   func()   // close the result channel without a delivery
	logs   []string // stores the task reads
}

type cacheEntry struct {
	value any
	logs  []string
}

// Session owns loaded stores and coordinates analysis over them. Safe for
// concurrent use.
type Session struct {
	mu       sync.Mutex
	stores   map[string]*telemetry.Store
	cache    map[key]cacheEntry
	inflight map[key]*task
	closed   bool
}

// New creates an empty session.
func New() *Session {
	return &Session{
		stores:   make(map[string]*telemetry.Store),
		cache:    make(map[key]cacheEntry),
		inflight: make(map[key]*task),
	}
}

// Load registers a store under its log id.
func (s *Session) Load(st *telemetry.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, ok := s.stores[st.ID()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateLog, st.ID())
	}

	s.stores[st.ID()] = st

	return nil
}

// Store returns a loaded store by log id.
func (s *Session) Store(id string) (*telemetry.Store, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stores[id]

	return st, ok
}

// Logs lists the loaded log ids in sorted order.
func (s *Session) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.stores))
	for id := range s.stores {
		out = append(out, id)
	}

	sort.Strings(out)

	return out
}

// Unload removes a store, cancels every in-flight task that reads it, and
// invalidates every cached result derived from it. Canceled tasks deliver
// nothing; their channels are closed.
func (s *Session) Unload(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.stores, id)
	s.invalidateLocked(id)
}

// Close cancels all in-flight tasks and drops all state. Subsequent
// submissions fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	for k, t := range s.inflight {
		t.cancel()
		t.drop()
		delete(s.inflight, k)
	}

	s.stores = map[string]*telemetry.Store{}
	s.cache = map[key]cacheEntry{}
}

func (s *Session) invalidateLocked(id string) {
	for k, t := range s.inflight {
		if slices.Contains(t.logs, id) {
			t.cancel()
			t.drop()
			delete(s.inflight, k)
		}
	}

	for k, e := range s.cache {
		if slices.Contains(e.logs, id) {
			delete(s.cache, k)
		}
	}
}

// NoiseRequest asks for a Welch PSD of one channel, resampled to a uniform
// rate first. Rate <= 0 infers the store's median sample rate.
type NoiseRequest struct {
	Log       string
	Channel   string
	Rate      float64
	GapFactor float64
	Welch     noise.Config
}

// StepRequest asks for step detection and response analysis on one axis.
type StepRequest struct {
	Log  string
	Axis telemetry.Axis
	Step step.Config
}

// AlignRequest asks for alignment offsets of Others onto Reference.
type AlignRequest struct {
	Reference string
	Others    []string
	Spec      align.Spec
}

// AnalyzeNoise submits a PSD analysis. The returned channel delivers at most
// one outcome; see submit for the supersede and caching rules.
func (s *Session) AnalyzeNoise(req NoiseRequest) (<-chan Outcome[*noise.Result], error) {
	s.mu.Lock()

	st, err := s.lookupLocked(req.Log)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	k := key{log: req.Log, component: componentNoise, params: fingerprint(req)}

	return submitLocked(s, k, []string{req.Log}, func(ctx context.Context) (*noise.Result, error) {
		return analyzeNoise(ctx, st, req)
	}), nil
}

// AnalyzeStep submits a step-response analysis.
func (s *Session) AnalyzeStep(req StepRequest) (<-chan Outcome[*step.Result], error) {
	s.mu.Lock()

	st, err := s.lookupLocked(req.Log)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	k := key{log: req.Log, component: componentStep, params: fingerprint(req)}

	return submitLocked(s, k, []string{req.Log}, func(ctx context.Context) (*step.Result, error) {
		return step.DetectStore(ctx, st, req.Axis, req.Step)
	}), nil
}

// AlignStores submits an alignment of the participant logs onto the
// reference log.
func (s *Session) AlignStores(req AlignRequest) (<-chan Outcome[[]align.Offset], error) {
	s.mu.Lock()

	ref, err := s.lookupLocked(req.Reference)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	others := make([]*telemetry.Store, len(req.Others))

	for i, id := range req.Others {
		others[i], err = s.lookupLocked(id)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}

	logs := append([]string{req.Reference}, req.Others...)
	k := key{log: req.Reference, component: componentAlign, params: fingerprint(req)}

	return submitLocked(s, k, logs, func(ctx context.Context) ([]align.Offset, error) {
		return align.Offsets(ctx, ref, others, req.Spec)
	}), nil
}

// lookupLocked resolves a log id while holding s.mu.
func (s *Session) lookupLocked(id string) (*telemetry.Store, error) {
	if s.closed {
		return nil, ErrClosed
	}

	st, ok := s.stores[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLog, id)
	}

	return st, nil
}

// fingerprint reduces a request to a deterministic parameter string. Map
// fields format with sorted keys, so equal requests always collide.
func fingerprint(req any) string {
	return fmt.Sprintf("%+v", req)
}

// submitLocked starts or short-circuits one analysis task. The caller must
// hold s.mu; submitLocked releases it.
//
// A cached result for the key is delivered immediately. Otherwise any prior
// in-flight task with the same key is canceled and its channel closed without
// a delivery, so a caller that resubmits identical parameters observes only
// the latest request's result. The returned channel is 1-buffered; receiving
// is optional.
func submitLocked[T any](s *Session, k key, logs []string, compute func(context.Context) (T, error)) <-chan Outcome[T] {
	ch := make(chan Outcome[T], 1)

	if e, ok := s.cache[k]; ok {
		s.mu.Unlock()

		ch <- Outcome[T]{Value: e.value.(T)}
		close(ch)

		return ch
	}

	if prev, ok := s.inflight[k]; ok {
		prev.cancel()
		prev.drop()
		delete(s.inflight, k)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &task{
		cancel: cancel,
		drop:   func() { close(ch) },
		logs:   logs,
	}
	s.inflight[k] = t

	s.mu.Unlock()

	go func() {
		defer cancel()

		value, err := compute(ctx)

		s.mu.Lock()

		if s.inflight[k] != t {
			// Superseded or invalidated; the channel is already closed and
			// this result must never surface.
			s.mu.Unlock()
			return
		}

		delete(s.inflight, k)

		if err == nil {
			s.cache[k] = cacheEntry{value: value, logs: logs}
		}

		s.mu.Unlock()

		ch <- Outcome[T]{Value: value, Err: err}
		close(ch)
	}()

	return ch
}

// analyzeNoise resamples one channel to a uniform grid and runs Welch over
// it. Flagged gaps become NaN and are skipped per segment by the analyzer.
func analyzeNoise(ctx context.Context, st *telemetry.Store, req NoiseRequest) (*noise.Result, error) {
	var opts []resample.Option
	if req.GapFactor > 0 {
		opts = append(opts, resample.WithGapFactor(req.GapFactor))
	}

	uniform, err := resample.Resample(st, req.Rate, []string{req.Channel}, opts...)
	if err != nil {
		return nil, err
	}

	signal, err := uniform.Values(req.Channel)
	if err != nil {
		return nil, err
	}

	cfg := req.Welch
	cfg.SampleRate = uniform.Rate()

	return noise.Welch(ctx, signal, cfg)
}

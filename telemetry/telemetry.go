// Package telemetry defines the immutable time-series data model shared by
// all analysis packages: a Channel is one named series of (timestamp, value)
// samples, a Store is the set of channels decoded from a single blackbox log.
//
// Timestamps are seconds relative to the first sample of the log (t = 0).
// Sampling may be irregular; consumers that need a uniform grid go through
// the resample package. Channels and Stores are never mutated after
// construction and are safe for concurrent reads.
package telemetry

import (
	"errors"
	"fmt"
	"sort"
)

// Errors returned by channel and store construction.
var (
	ErrEmptyChannel       = errors.New("telemetry: channel has no samples")
	ErrLengthMismatch     = errors.New("telemetry: time and value length mismatch")
	ErrNonMonotonicTime   = errors.New("telemetry: timestamps must be strictly increasing")
	ErrDuplicateChannel   = errors.New("telemetry: duplicate channel name")
	ErrUnknownChannel     = errors.New("telemetry: unknown channel")
	ErrNoChannels         = errors.New("telemetry: store has no channels")
	ErrInconsistentLength = errors.New("telemetry: channels differ in sample count")
)

// Unit tags the physical unit of a channel's values.
type Unit string

const (
	UnitDegPerSec    Unit = "deg/s"
	UnitMicroseconds Unit = "us"
	UnitRaw          Unit = "raw"
)

// Axis identifies one rotational axis of the craft.
type Axis int

const (
	AxisRoll Axis = iota
	AxisPitch
	AxisYaw
)

// Axes lists all axes in index order, matching the [0..2] column convention.
var Axes = []Axis{AxisRoll, AxisPitch, AxisYaw}

func (a Axis) String() string {
	switch a {
	case AxisRoll:
		return "roll"
	case AxisPitch:
		return "pitch"
	case AxisYaw:
		return "yaw"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// Index returns the column index of the axis in the [0..2] convention.
func (a Axis) Index() int { return int(a) }

// ParseAxis maps an axis name to its Axis.
func ParseAxis(name string) (Axis, error) {
	switch name {
	case "roll":
		return AxisRoll, nil
	case "pitch":
		return AxisPitch, nil
	case "yaw":
		return AxisYaw, nil
	default:
		return 0, fmt.Errorf("telemetry: unknown axis %q", name)
	}
}

// Canonical channel names for the per-axis series. The ingestor maps the
// Betaflight column convention (gyroADC[0], rcCommand[1], axisD[2], ...)
// onto these.
const (
	chanGyro     = "gyro"
	chanSetpoint = "setpoint"
	chanDTerm    = "dterm"
)

// GyroChannel returns the canonical gyro channel name for an axis.
func GyroChannel(a Axis) string { return chanGyro + "." + a.String() }

// SetpointChannel returns the canonical command channel name for an axis.
func SetpointChannel(a Axis) string { return chanSetpoint + "." + a.String() }

// DTermChannel returns the canonical D-term channel name for an axis.
func DTermChannel(a Axis) string { return chanDTerm + "." + a.String() }

// Channel is a single named time series. The backing slices are shared, not
// copied, by the accessors; callers must treat them as read-only.
type Channel struct {
	name   string
	unit   Unit
	time   []float64
	values []float64
}

// NewChannel constructs a channel and validates the timing invariant:
// timestamps strictly increasing, no duplicates.
func NewChannel(name string, unit Unit, time, values []float64) (*Channel, error) {
	if len(time) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyChannel, name)
	}

	if len(time) != len(values) {
		return nil, fmt.Errorf("%w: %q has %d timestamps, %d values",
			ErrLengthMismatch, name, len(time), len(values))
	}

	for i := 1; i < len(time); i++ {
		if time[i] <= time[i-1] {
			return nil, fmt.Errorf("%w: %q at sample %d (%.9f <= %.9f)",
				ErrNonMonotonicTime, name, i, time[i], time[i-1])
		}
	}

	return &Channel{name: name, unit: unit, time: time, values: values}, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Unit returns the unit tag.
func (c *Channel) Unit() Unit { return c.unit }

// Len returns the sample count.
func (c *Channel) Len() int { return len(c.time) }

// Time returns the timestamp of sample i in seconds.
func (c *Channel) Time(i int) float64 { return c.time[i] }

// Value returns the value of sample i.
func (c *Channel) Value(i int) float64 { return c.values[i] }

// Times returns the timestamp slice. Read-only.
func (c *Channel) Times() []float64 { return c.time }

// Values returns the value slice. Read-only.
func (c *Channel) Values() []float64 { return c.values }

// Start returns the first timestamp.
func (c *Channel) Start() float64 { return c.time[0] }

// End returns the last timestamp.
func (c *Channel) End() float64 { return c.time[len(c.time)-1] }

// Duration returns End - Start in seconds.
func (c *Channel) Duration() float64 { return c.End() - c.Start() }

// SearchTime returns the index of the first sample with timestamp >= t.
// Returns Len() when t is beyond the last sample.
func (c *Channel) SearchTime(t float64) int {
	return sort.SearchFloat64s(c.time, t)
}

// MedianInterval returns the median inter-sample spacing in seconds.
// Returns 0 for single-sample channels.
func (c *Channel) MedianInterval() float64 {
	n := len(c.time)
	if n < 2 {
		return 0
	}

	deltas := make([]float64, n-1)
	for i := 1; i < n; i++ {
		deltas[i-1] = c.time[i] - c.time[i-1]
	}

	sort.Float64s(deltas)

	mid := len(deltas) / 2
	if len(deltas)%2 == 1 {
		return deltas[mid]
	}

	return 0.5 * (deltas[mid-1] + deltas[mid])
}

// Metadata describes a loaded log.
type Metadata struct {
	Firmware     string  // firmware/source identifier from the log header
	Craft        string  // craft name from the log header, if present
	LogIndex     int     // log index within a multi-log session
	StartMicros  float64 // absolute timestamp of the first sample (µs)
	LoopInterval float64 // nominal loop interval in seconds (median delta)
}

// Store holds all channels decoded from one log. One Store per log; owned by
// the session that created it and read-only to analysis components.
type Store struct {
	id       string
	channels map[string]*Channel
	order    []string
	samples  int
	meta     Metadata
}

// NewStore constructs a store from channels sharing a common time origin.
// All channels must have the same sample count.
func NewStore(id string, channels []*Channel, meta Metadata) (*Store, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: log %q", ErrNoChannels, id)
	}

	byName := make(map[string]*Channel, len(channels))
	order := make([]string, 0, len(channels))
	samples := channels[0].Len()

	for _, ch := range channels {
		if _, ok := byName[ch.Name()]; ok {
			return nil, fmt.Errorf("%w: %q in log %q", ErrDuplicateChannel, ch.Name(), id)
		}

		if ch.Len() != samples {
			return nil, fmt.Errorf("%w: log %q, channel %q has %d samples, want %d",
				ErrInconsistentLength, id, ch.Name(), ch.Len(), samples)
		}

		byName[ch.Name()] = ch
		order = append(order, ch.Name())
	}

	return &Store{id: id, channels: byName, order: order, samples: samples, meta: meta}, nil
}

// ID returns the log identifier.
func (s *Store) ID() string { return s.id }

// Metadata returns the log metadata.
func (s *Store) Metadata() Metadata { return s.meta }

// Samples returns the per-channel sample count.
func (s *Store) Samples() int { return s.samples }

// Names returns the channel names in ingestion order.
func (s *Store) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)

	return out
}

// Channel returns the named channel.
func (s *Store) Channel(name string) (*Channel, error) {
	ch, ok := s.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in log %q", ErrUnknownChannel, name, s.id)
	}

	return ch, nil
}

// Has reports whether the named channel exists.
func (s *Store) Has(name string) bool {
	_, ok := s.channels[name]
	return ok
}

// Start returns the first timestamp shared by all channels (0 by
// construction for freshly ingested logs).
func (s *Store) Start() float64 {
	return s.channels[s.order[0]].Start()
}

// End returns the last timestamp.
func (s *Store) End() float64 {
	return s.channels[s.order[0]].End()
}

// Duration returns the covered time span in seconds.
func (s *Store) Duration() float64 { return s.End() - s.Start() }

// MedianSampleRate returns 1 / median inter-sample interval in Hz, the
// "infer median rate" input for resampling. Returns 0 when undefined.
func (s *Store) MedianSampleRate() float64 {
	d := s.channels[s.order[0]].MedianInterval()
	if d <= 0 {
		return 0
	}

	return 1 / d
}

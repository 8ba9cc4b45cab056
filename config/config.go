// Package config loads analysis presets from YAML files. A preset bundles
// the explicit parameter surface of the analysis packages for the CLI;
// library callers pass parameters directly and never read global state.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Necrophillip/Open-Tuning-Tool/align"
	"github.com/Necrophillip/Open-Tuning-Tool/measure/noise"
	"github.com/Necrophillip/Open-Tuning-Tool/measure/step"
	"github.com/Necrophillip/Open-Tuning-Tool/telemetry"
)

type ResampleConfig struct {
	Rate      float64 `yaml:"rate"`       // Hz, 0 infers the median rate
	GapFactor float64 `yaml:"gap_factor"` // multiple of the nominal interval
}

type NoiseConfig struct {
	WindowLength    int     `yaml:"window_length"`
	OverlapFraction float64 `yaml:"overlap_fraction"`
	Window          string  `yaml:"window"` // hann, hamming, blackman, ...
}

type StepConfig struct {
	Threshold      float64 `yaml:"threshold"`
	LookAhead      float64 `yaml:"look_ahead_s"`
	MinDwell       float64 `yaml:"min_dwell_s"`
	PreRoll        float64 `yaml:"pre_roll_s"`
	ResponseWindow float64 `yaml:"response_window_s"`
	RiseFraction   float64 `yaml:"rise_fraction"`
	SettleBand     float64 `yaml:"settle_band"`
	OutlierK       float64 `yaml:"outlier_k"`
}

type AlignConfig struct {
	Mode    string             `yaml:"mode"` // by-start, by-first-matching-event, manual-offset
	Axis    string             `yaml:"axis"` // roll, pitch, yaw
	Offsets map[string]float64 `yaml:"offsets"`
}

// Preset is the top-level structure of a preset file. Omitted fields keep
// their zero value, which every analysis package resolves to its defaults.
type Preset struct {
	Resample ResampleConfig `yaml:"resample"`
	Noise    NoiseConfig    `yaml:"noise"`
	Step     StepConfig     `yaml:"step"`
	Align    AlignConfig    `yaml:"align"`
}

// Load reads and parses a preset file.
func Load(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preset: %w", err)
	}

	var p Preset
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse preset: %w", err)
	}

	return &p, nil
}

// NoiseParams converts the preset's noise section to analyzer parameters.
func (p *Preset) NoiseParams() (noise.Config, error) {
	cfg := noise.Config{
		WindowLength:    p.Noise.WindowLength,
		OverlapFraction: p.Noise.OverlapFraction,
	}

	if p.Noise.Window != "" {
		w, err := noise.ParseWindow(p.Noise.Window)
		if err != nil {
			return noise.Config{}, err
		}

		cfg.Window = w
	}

	return cfg, nil
}

// StepParams converts the preset's step section to detector parameters.
func (p *Preset) StepParams() step.Config {
	return step.Config{
		Threshold:      p.Step.Threshold,
		LookAhead:      p.Step.LookAhead,
		MinDwell:       p.Step.MinDwell,
		PreRoll:        p.Step.PreRoll,
		ResponseWindow: p.Step.ResponseWindow,
		RiseFraction:   p.Step.RiseFraction,
		SettleBand:     p.Step.SettleBand,
		OutlierK:       p.Step.OutlierK,
	}
}

// AlignParams converts the preset's align section to an alignment spec.
// An empty mode means by-start; an empty axis means roll.
func (p *Preset) AlignParams() (align.Spec, error) {
	spec := align.Spec{
		Step:    p.StepParams(),
		Offsets: p.Align.Offsets,
	}

	if p.Align.Mode != "" {
		mode, err := align.ParseMode(p.Align.Mode)
		if err != nil {
			return align.Spec{}, err
		}

		spec.Mode = mode
	}

	if p.Align.Axis != "" {
		axis, err := telemetry.ParseAxis(p.Align.Axis)
		if err != nil {
			return align.Spec{}, err
		}

		spec.Axis = axis
	}

	return spec, nil
}

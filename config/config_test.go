package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Necrophillip/Open-Tuning-Tool/align"
	"github.com/Necrophillip/Open-Tuning-Tool/measure/noise"
	"github.com/Necrophillip/Open-Tuning-Tool/telemetry"
)

const preset = `
resample:
  rate: 2000
  gap_factor: 4
noise:
  window_length: 512
  overlap_fraction: 0.75
  window: blackman
step:
  threshold: 300
  response_window_s: 0.25
align:
  mode: by-first-matching-event
  axis: pitch
`

func writePreset(t *testing.T, text string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "preset.yaml")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestLoadPreset(t *testing.T) {
	p, err := Load(writePreset(t, preset))
	if err != nil {
		t.Fatal(err)
	}

	if p.Resample.Rate != 2000 || p.Resample.GapFactor != 4 {
		t.Errorf("resample section = %+v", p.Resample)
	}

	ncfg, err := p.NoiseParams()
	if err != nil {
		t.Fatal(err)
	}

	if ncfg.WindowLength != 512 || ncfg.OverlapFraction != 0.75 || ncfg.Window != noise.WindowBlackman {
		t.Errorf("noise params = %+v", ncfg)
	}

	scfg := p.StepParams()
	if scfg.Threshold != 300 || scfg.ResponseWindow != 0.25 {
		t.Errorf("step params = %+v", scfg)
	}

	// Omitted step fields stay zero so the detector applies its defaults.
	if scfg.MinDwell != 0 || scfg.OutlierK != 0 {
		t.Errorf("omitted fields not zero: %+v", scfg)
	}

	spec, err := p.AlignParams()
	if err != nil {
		t.Fatal(err)
	}

	if spec.Mode != align.ByFirstEvent || spec.Axis != telemetry.AxisPitch {
		t.Errorf("align spec = %+v", spec)
	}
}

func TestLoadEmptyPresetKeepsDefaults(t *testing.T) {
	p, err := Load(writePreset(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}

	ncfg, err := p.NoiseParams()
	if err != nil {
		t.Fatal(err)
	}

	if ncfg != (noise.Config{}) {
		t.Errorf("noise params = %+v, want zero value", ncfg)
	}

	spec, err := p.AlignParams()
	if err != nil {
		t.Fatal(err)
	}

	if spec.Mode != align.ByStart || spec.Axis != telemetry.AxisRoll {
		t.Errorf("align spec = %+v, want by-start on roll", spec)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}

	if _, err := Load(writePreset(t, "noise: [not, a, map]\n")); err == nil {
		t.Error("malformed yaml accepted")
	}

	p, err := Load(writePreset(t, "noise:\n  window: nonsense\n"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.NoiseParams(); err == nil {
		t.Error("unknown window name accepted")
	}

	p, err = Load(writePreset(t, "align:\n  mode: sideways\n"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.AlignParams(); err == nil {
		t.Error("unknown align mode accepted")
	}
}

// Command opentune runs blackbox tuning analyses over decoded flight logs.
//
// Usage:
//
//	opentune <mode> [flags] <log ...>
//
// Modes:
//
//	noise   Welch PSD summary of a gyro channel per log
//	step    step-response detection and metrics per log
//	align   time offsets of each log onto the first (reference) log
//	tune    propose reduced D gains from a Betaflight CLI dump
//
// Logs are decoded CSV files; raw .bbl/.bfl logs are decoded on the fly when
// the blackbox_decode tool is installed. The tune mode takes a CLI dump file
// instead of a log.
//
// Examples:
//
//	opentune noise flight.csv
//	opentune noise -channel gyro.yaw -winlen 512 flight.csv
//	opentune step -axis pitch -threshold 300 before.csv after.csv
//	opentune align -axis roll before.csv after.csv
//	opentune step -preset race.yaml flight.bbl
//	opentune tune -reduce 20 dump.txt
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/Necrophillip/Open-Tuning-Tool/align"
	"github.com/Necrophillip/Open-Tuning-Tool/config"
	"github.com/Necrophillip/Open-Tuning-Tool/decode"
	"github.com/Necrophillip/Open-Tuning-Tool/ingest"
	"github.com/Necrophillip/Open-Tuning-Tool/measure/noise"
	"github.com/Necrophillip/Open-Tuning-Tool/measure/step"
	"github.com/Necrophillip/Open-Tuning-Tool/resample"
	"github.com/Necrophillip/Open-Tuning-Tool/telemetry"
	"github.com/Necrophillip/Open-Tuning-Tool/tune"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error

	switch os.Args[1] {
	case "noise":
		err = runNoise(ctx, os.Args[2:])
	case "step":
		err = runStep(ctx, os.Args[2:])
	case "align":
		err = runAlign(ctx, os.Args[2:])
	case "tune":
		err = runTune(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "error: unknown mode %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: opentune <mode> [flags] <log ...>\n\n")
	fmt.Fprintf(os.Stderr, "Modes:\n")
	fmt.Fprintf(os.Stderr, "  noise   Welch PSD summary of a gyro channel per log\n")
	fmt.Fprintf(os.Stderr, "  step    step-response detection and metrics per log\n")
	fmt.Fprintf(os.Stderr, "  align   time offsets of each log onto the first (reference) log\n")
	fmt.Fprintf(os.Stderr, "  tune    propose reduced D gains from a Betaflight CLI dump\n\n")
	fmt.Fprintf(os.Stderr, "Run 'opentune <mode> -h' for mode flags.\n")
}

// loadPreset reads the preset file when one is given.
func loadPreset(path string) (*config.Preset, error) {
	if path == "" {
		return &config.Preset{}, nil
	}

	return config.Load(path)
}

// loadStore ingests one log, decoding raw blackbox files first.
func loadStore(ctx context.Context, path string, index int) (*telemetry.Store, error) {
	if decode.IsRawLog(path) {
		csvPath, cleanup, err := decode.Run(ctx, path)
		if err != nil {
			return nil, err
		}
		defer cleanup()

		path = csvPath
	}

	return ingest.ReadFile(path, ingest.WithLogIndex(index))
}

func loadStores(ctx context.Context, paths []string) ([]*telemetry.Store, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no logs given")
	}

	stores := make([]*telemetry.Store, len(paths))

	for i, path := range paths {
		st, err := loadStore(ctx, path, i)
		if err != nil {
			return nil, err
		}

		stores[i] = st
	}

	return stores, nil
}

func runNoise(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("noise", flag.ExitOnError)
	presetPath := fs.String("preset", "", "preset YAML file")
	channel := fs.String("channel", telemetry.GyroChannel(telemetry.AxisRoll), "channel to analyze")
	rate := fs.Float64("rate", 0, "resample rate in Hz (0 infers the median rate)")
	winlen := fs.Int("winlen", 0, "Welch window length in samples (0 uses the default)")
	overlap := fs.Float64("overlap", 0, "window overlap fraction (0 uses the default)")
	winName := fs.String("window", "", "window function (hann, hamming, blackman, ...)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	preset, err := loadPreset(*presetPath)
	if err != nil {
		return err
	}

	cfg, err := preset.NoiseParams()
	if err != nil {
		return err
	}

	if *winlen > 0 {
		cfg.WindowLength = *winlen
	}

	if *overlap > 0 {
		cfg.OverlapFraction = *overlap
	}

	if *winName != "" {
		w, err := noise.ParseWindow(*winName)
		if err != nil {
			return err
		}

		cfg.Window = w
	}

	targetRate := preset.Resample.Rate
	if *rate > 0 {
		targetRate = *rate
	}

	stores, err := loadStores(ctx, fs.Args())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Log\tChannel\tRate [Hz]\tResolution [Hz]\tSegments\tPeak [Hz]\tPeak [dB]\tTotal Power\n")

	for _, st := range stores {
		var opts []resample.Option
		if preset.Resample.GapFactor > 0 {
			opts = append(opts, resample.WithGapFactor(preset.Resample.GapFactor))
		}

		uniform, err := resample.Resample(st, targetRate, []string{*channel}, opts...)
		if err != nil {
			return err
		}

		signal, err := uniform.Values(*channel)
		if err != nil {
			return err
		}

		cfg.SampleRate = uniform.Rate()

		res, err := noise.Welch(ctx, signal, cfg)
		if err != nil {
			return err
		}

		peakFreq, peakDB := res.Peak()
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.4f\t%d\t%.1f\t%.2f\t%.4f\n",
			st.ID(), *channel, res.SampleRate, res.Resolution, res.SegmentCount,
			peakFreq, peakDB, res.TotalPower())
	}

	return tw.Flush()
}

func runStep(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("step", flag.ExitOnError)
	presetPath := fs.String("preset", "", "preset YAML file")
	axisName := fs.String("axis", "roll", "axis to analyze (roll, pitch, yaw)")
	threshold := fs.Float64("threshold", 0, "detection threshold in command units (0 uses the default)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	preset, err := loadPreset(*presetPath)
	if err != nil {
		return err
	}

	axis, err := telemetry.ParseAxis(*axisName)
	if err != nil {
		return err
	}

	cfg := preset.StepParams()
	if *threshold > 0 {
		cfg.Threshold = *threshold
	}

	stores, err := loadStores(ctx, fs.Args())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Log\tAxis\tEvents\tDiscarded\tRise [ms]\tOvershoot [%%]\tSettling [ms]\tDelay [ms]\n")

	for _, st := range stores {
		res, err := step.DetectStore(ctx, st, axis, cfg)
		if err != nil {
			return err
		}

		if res.Average == nil {
			fmt.Fprintf(tw, "%s\t%s\t0\t0\t-\t-\t-\t-\n", st.ID(), axis)
			continue
		}

		m := res.Average.Metrics
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.1f\t%.1f\t%.1f\t%.1f\n",
			st.ID(), axis, len(res.Events), len(res.Discarded),
			m.RiseTime*1000, m.Overshoot, m.SettlingTime*1000, m.Delay*1000)
	}

	return tw.Flush()
}

func runAlign(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("align", flag.ExitOnError)
	presetPath := fs.String("preset", "", "preset YAML file")
	modeName := fs.String("mode", "", "alignment strategy (by-start, by-first-matching-event, manual-offset)")
	axisName := fs.String("axis", "", "anchor axis for by-first-matching-event")

	if err := fs.Parse(args); err != nil {
		return err
	}

	preset, err := loadPreset(*presetPath)
	if err != nil {
		return err
	}

	spec, err := preset.AlignParams()
	if err != nil {
		return err
	}

	if *modeName != "" {
		spec.Mode, err = align.ParseMode(*modeName)
		if err != nil {
			return err
		}
	}

	if *axisName != "" {
		spec.Axis, err = telemetry.ParseAxis(*axisName)
		if err != nil {
			return err
		}
	}

	stores, err := loadStores(ctx, fs.Args())
	if err != nil {
		return err
	}

	if len(stores) < 2 {
		return fmt.Errorf("align needs a reference log and at least one other log")
	}

	offsets, err := align.Offsets(ctx, stores[0], stores[1:], spec)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Log\tReference\tStrategy\tOffset [s]\n")

	for _, off := range offsets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%+.4f\n", off.Log, stores[0].ID(), spec.Mode, off.Seconds)
	}

	return tw.Flush()
}

func runTune(args []string) error {
	fs := flag.NewFlagSet("tune", flag.ExitOnError)
	reduce := fs.Float64("reduce", tune.DefaultReduction, "D gain reduction in percent")
	simulate := fs.Bool("sim", false, "print simulated step-response overshoot for both gain sets")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("tune needs exactly one CLI dump file")
	}

	current, err := tune.ParseDumpFile(fs.Arg(0))
	if err != nil {
		return err
	}

	proposed := tune.Propose(current, *reduce)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Setting\tCurrent\tProposed\n")

	for _, name := range current.Names() {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", name, current[name], proposed[name])
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	if *simulate {
		for _, set := range []struct {
			label string
			gains tune.Gains
		}{{"current", current}, {"proposed", proposed}} {
			resp, err := tune.Simulate(set.gains, tune.SimConfig{})
			if err != nil {
				return err
			}

			fmt.Printf("\n%s (%s axis): simulated overshoot %.1f%%\n",
				set.label, resp.Axis, resp.Overshoot()*100)
		}
	}

	fmt.Printf("\n%s", tune.GenerateCLI(proposed))

	return nil
}

// Package tune works with Betaflight PID settings: it parses CLI dump files,
// proposes adjusted gains (D-term reduction against detected noise), emits the
// CLI commands applying them, and simulates the resulting step response on a
// simplified rigid-body model so a proposal can be previewed before flashing.
package tune

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultReduction is the proposed D-gain reduction in percent.
const DefaultReduction = 15.0

// ErrNoSettings indicates a dump with no recognizable PID settings.
var ErrNoSettings = errors.New("tune: no PID settings found in dump")

// Gains maps Betaflight setting names (p_roll, i_pitch, d_roll, f_pitch, ...)
// to their integer values.
type Gains map[string]int

// Clone returns an independent copy.
func (g Gains) Clone() Gains {
	out := make(Gains, len(g))
	for k, v := range g {
		out[k] = v
	}

	return out
}

// Names returns the setting names in sorted order.
func (g Gains) Names() []string {
	out := make([]string, 0, len(g))
	for k := range g {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}

var (
	settingPattern = regexp.MustCompile(`^set\s+([pidf]_\w+)\s+=\s+(\d+)$`)
	profilePattern = regexp.MustCompile(`^profile\s+(\d+)$`)
)

// ParseDump extracts the PID and feed-forward gains of the active profile
// from a Betaflight CLI dump. The active profile is the one named by the
// leading "profile N" command (profile 0 when absent); its "# profile N"
// block is parsed up to the next section. Dumps without per-profile blocks
// fall back to a global scan.
func ParseDump(r io.Reader) (Gains, error) {
	var lines []string

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("tune: %w", err)
	}

	profile := 0

	for _, line := range lines {
		if m := profilePattern.FindStringSubmatch(line); m != nil {
			profile, _ = strconv.Atoi(m[1])
			break
		}
	}

	gains := parseBlock(lines, fmt.Sprintf("# profile %d", profile))
	if len(gains) == 0 {
		gains = parseAll(lines)
	}

	if len(gains) == 0 {
		return nil, ErrNoSettings
	}

	return gains, nil
}

// ParseDumpFile reads and parses a dump file from disk.
func ParseDumpFile(path string) (Gains, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tune: %w", err)
	}
	defer f.Close()

	return ParseDump(f)
}

// parseBlock collects settings between the marker line and the next section
// header or blank line.
func parseBlock(lines []string, marker string) Gains {
	gains := Gains{}
	inBlock := false

	for _, line := range lines {
		if line == marker {
			inBlock = true
			continue
		}

		if !inBlock {
			continue
		}

		if line == "" || strings.HasPrefix(line, "#") {
			break
		}

		if m := settingPattern.FindStringSubmatch(line); m != nil {
			value, _ := strconv.Atoi(m[2])
			gains[m[1]] = value
		}
	}

	return gains
}

func parseAll(lines []string) Gains {
	gains := Gains{}

	for _, line := range lines {
		if m := settingPattern.FindStringSubmatch(line); m != nil {
			value, _ := strconv.Atoi(m[2])
			gains[m[1]] = value
		}
	}

	return gains
}

// Propose returns a copy of gains with the roll and pitch D-terms reduced by
// the given percentage (truncated toward zero, matching Betaflight's integer
// settings). reduction <= 0 applies the default 15%.
func Propose(gains Gains, reduction float64) Gains {
	if reduction <= 0 {
		reduction = DefaultReduction
	}

	out := gains.Clone()

	for _, key := range []string{"d_roll", "d_pitch"} {
		if v, ok := out[key]; ok {
			out[key] = int(float64(v) * (1 - reduction/100))
		}
	}

	return out
}

// cliOrder is the emission order of GenerateCLI, mirroring the configurator's
// PID tab: P/I/D/F for roll, then pitch.
var cliOrder = []string{
	"p_roll", "i_roll", "d_roll", "f_roll",
	"p_pitch", "i_pitch", "d_pitch", "f_pitch",
}

// GenerateCLI renders the Betaflight CLI commands applying the given gains to
// the active profile, ending with save.
func GenerateCLI(gains Gains) string {
	var b strings.Builder

	b.WriteString("# Paste the following commands into the Betaflight CLI:\n")

	for _, key := range cliOrder {
		if key == "p_pitch" {
			b.WriteString("\n")
		}

		if v, ok := gains[key]; ok {
			fmt.Fprintf(&b, "set %s = %d\n", key, v)
		}
	}

	b.WriteString("\nsave\n")

	return b.String()
}

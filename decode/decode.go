// Package decode invokes the external blackbox_decode tool to turn a raw
// binary blackbox log (.bbl/.bfl) into the decoded CSV consumed by the ingest
// package. It is glue around the decoding collaborator; the analysis core
// never calls it.
package decode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultTool is the decoder binary looked up on PATH when no explicit path
// is configured.
const DefaultTool = "blackbox_decode"

// ErrDecoderNotFound indicates the decoder binary could not be located.
var ErrDecoderNotFound = errors.New("decode: blackbox_decode not found on PATH")

// Option configures a decode run.
type Option func(*config)

type config struct {
	tool   string
	outDir string
}

// WithTool overrides the decoder binary path.
func WithTool(path string) Option {
	return func(c *config) {
		if path != "" {
			c.tool = path
		}
	}
}

// WithOutputDir writes the decoded CSV into dir instead of the system temp
// directory.
func WithOutputDir(dir string) Option {
	return func(c *config) {
		if dir != "" {
			c.outDir = dir
		}
	}
}

// IsRawLog reports whether path looks like a raw binary log by extension.
func IsRawLog(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bbl", ".bfl":
		return true
	default:
		return false
	}
}

// Run decodes logPath to a CSV file and returns its path together with a
// cleanup func that removes it. The context cancels the external process.
func Run(ctx context.Context, logPath string, opts ...Option) (csvPath string, cleanup func(), err error) {
	cfg := config{tool: DefaultTool, outDir: os.TempDir()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	tool, err := exec.LookPath(cfg.tool)
	if err != nil {
		return "", nil, fmt.Errorf("%w (looked for %q)", ErrDecoderNotFound, cfg.tool)
	}

	base := strings.TrimSuffix(filepath.Base(logPath), filepath.Ext(logPath))
	csvPath = filepath.Join(cfg.outDir, base+".decoded.csv")

	cmd := exec.CommandContext(ctx, tool, logPath, "--output", csvPath)

	out, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(csvPath)
		return "", nil, fmt.Errorf("decode: %q failed: %w: %s", tool, err, strings.TrimSpace(string(out)))
	}

	cleanup = func() { os.Remove(csvPath) }

	return csvPath, cleanup, nil
}

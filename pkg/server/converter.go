package server

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Converter turns an FB2 file into an EPUB. Conversion itself lives outside
// the catalog; the download handler only needs the resulting path.
type Converter interface {
	Convert(ctx context.Context, inputPath string) (outputPath string, err error)
}

// ExecConverter shells out to an external converter binary. The binary is
// called as `converter <input> <output-dir>` and is expected to drop an
// `.epub` named after the input into the output directory.
type ExecConverter struct {
	// Path is the converter binary. Empty means conversion is unavailable.
	Path string
	// WorkDir receives converted files; defaults to the system temp dir.
	WorkDir string
}

func (c *ExecConverter) Convert(ctx context.Context, inputPath string) (string, error) {
	if c.Path == "" {
		return "", errors.New("no converter configured")
	}

	dir := c.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.WithStack(err)
	}

	cmd := exec.CommandContext(ctx, c.Path, inputPath, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", errors.Wrapf(err, "converter failed: %s", strings.TrimSpace(string(out)))
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	outputPath := filepath.Join(dir, base+".epub")
	if _, err := os.Stat(outputPath); err != nil {
		return "", errors.Wrap(err, "converter produced no output")
	}
	return outputPath, nil
}

package odm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

// DefaultAsset is downloaded whenever the requested asset is unavailable.
const DefaultAsset = "all.zip"

// ChunkSize is the copy buffer used while streaming an asset to disk.
const ChunkSize = 1024

// ResolveAsset returns requested when the task offers it and DefaultAsset
// otherwise. It never fails.
func ResolveAsset(requested string, available []string) string {
	for _, a := range available {
		if a == requested {
			return requested
		}
	}
	ev := log.Warn().Str("asset", requested).Strs("available", available)
	ev.Msgf("Asset (%s) not found in available assets [%s], setting asset to '%s'",
		requested, strings.Join(available, ", "), DefaultAsset)
	return DefaultAsset
}

// ResolveDownloadPath picks where asset is written and creates the
// directories it needs:
//
//	outputDir == ""           -> <project>/<asset>
//	outputDir is a directory  -> <outputDir>/<project>/<asset>
//	anything else             -> <asset> in the working directory
//
// fellBack reports the last case.
func ResolveDownloadPath(outputDir, projectName, asset string) (path string, fellBack bool, err error) {
	switch {
	case outputDir == "":
		if err := os.MkdirAll(projectName, 0o755); err != nil {
			return "", false, fmt.Errorf("create project directory: %w", err)
		}
		return filepath.Join(projectName, asset), false, nil
	case isDir(outputDir):
		dir := filepath.Join(outputDir, projectName)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", false, fmt.Errorf("create project directory: %w", err)
		}
		return filepath.Join(dir, asset), false, nil
	default:
		log.Warn().Str("output_dir", outputDir).Msgf("Output dir invalid, downloading %s to the working directory", asset)
		return asset, true, nil
	}
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// SaveStream copies body to path in ChunkSize pieces. size is the expected
// length or -1; a progress bar is drawn on progress when it is a terminal.
func SaveStream(ctx context.Context, body io.Reader, size int64, path string, progress io.Writer) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}

	var dst io.Writer = f
	if bar := newDownloadBar(size, filepath.Base(path), progress); bar != nil {
		dst = io.MultiWriter(f, bar)
		defer bar.Finish()
	}

	n, err := io.CopyBuffer(dst, ContextReader(ctx, body), make([]byte, ChunkSize))
	if err != nil {
		f.Close()
		return n, fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", path, err)
	}
	log.Info().Str("path", path).Str("size", humanize.Bytes(uint64(n))).Msg("Saved asset")
	return n, nil
}

func newDownloadBar(size int64, label string, w io.Writer) *progressbar.ProgressBar {
	f, ok := w.(*os.File)
	if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return nil
	}
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(f),
		progressbar.OptionSetDescription(label),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
}

// ContextReader wraps r so that a copy loop reading from it stops once ctx
// is done.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

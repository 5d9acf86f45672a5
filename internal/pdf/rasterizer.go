package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// ErrRasterizeFailed indicates pdftoppm exited with an error.
var ErrRasterizeFailed = errors.New("rasterization failed")

// RasterizerConfig holds rasterizer configuration.
type RasterizerConfig struct {
	// PdftoppmPath is the pdftoppm binary. Defaults to "pdftoppm" on PATH.
	PdftoppmPath string

	// DPI is the render resolution. Defaults to 150.
	DPI int

	// MaxPages caps how many pages are rendered per document. Defaults to 40.
	MaxPages int

	// WorkDir is where per-call scratch directories are created.
	// Defaults to the system temp directory.
	WorkDir string
}

// Rasterizer renders PDF documents into per-page PNG images by shelling out
// to poppler's pdftoppm. Each call uses its own scratch directory which is
// removed before returning.
type Rasterizer struct {
	cfg RasterizerConfig
}

// NewRasterizer creates a Rasterizer with the given configuration.
func NewRasterizer(cfg RasterizerConfig) *Rasterizer {
	if cfg.PdftoppmPath == "" {
		cfg.PdftoppmPath = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 150
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 40
	}
	return &Rasterizer{cfg: cfg}
}

// Rasterize renders the PDF into one PNG per page, in page order.
// Pages beyond MaxPages are not rendered.
func (r *Rasterizer) Rasterize(ctx context.Context, pdf []byte) ([][]byte, error) {
	dir, err := os.MkdirTemp(r.cfg.WorkDir, "raster-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	pdfPath := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(pdfPath, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("write scratch pdf: %w", err)
	}

	// pdftoppm writes page-<n>.png files, zero-padding <n> to the width of
	// the last rendered page number so lexicographic order is page order.
	outPrefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, r.cfg.PdftoppmPath,
		"-png",
		"-r", strconv.Itoa(r.cfg.DPI),
		"-f", "1",
		"-l", strconv.Itoa(r.cfg.MaxPages),
		pdfPath, outPrefix,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Without a wait delay a killed pdftoppm whose children still hold the
	// stderr pipe would block Run past cancellation.
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return nil, fmt.Errorf("%w: %s: %s", ErrRasterizeFailed, err, msg)
		}
		return nil, fmt.Errorf("%w: %s", ErrRasterizeFailed, err)
	}

	paths, err := filepath.Glob(outPrefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("list page images: %w", err)
	}
	sort.Strings(paths)

	pages := make([][]byte, 0, len(paths))
	for _, p := range paths {
		img, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read page image: %w", err)
		}
		pages = append(pages, img)
	}
	return pages, nil
}

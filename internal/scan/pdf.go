package scan

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
	"strings"
	"time"

	"github.com/pavelanni/papercheck/internal/model"
)

// ErrNoRasterizer is returned when pdftoppm is not installed.
var ErrNoRasterizer = errors.New("pdftoppm not found in PATH (install poppler-utils)")

// Rasterizer renders PDF pages to PNG with poppler's pdftoppm.
type Rasterizer struct {
	DPI     int
	Timeout time.Duration
}

// NewRasterizer returns a Rasterizer with the defaults used for exam scans.
func NewRasterizer() *Rasterizer {
	return &Rasterizer{DPI: 200, Timeout: 2 * time.Minute}
}

// RasterizePDF renders every page of the PDF at path, in page order.
func RasterizePDF(ctx context.Context, path string, dpi int) ([]model.Document, error) {
	r := NewRasterizer()
	if dpi > 0 {
		r.DPI = dpi
	}
	return r.Rasterize(ctx, path)
}

// Rasterize renders every page of the PDF at path, in page order. Pages are
// named <base>_page_<n>.png.
func (r *Rasterizer) Rasterize(ctx context.Context, path string) ([]model.Document, error) {
	if _, err := exec.LookPath("pdftoppm"); err != nil {
		return nil, ErrNoRasterizer
	}

	dir, err := os.MkdirTemp("", "papercheck-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	prefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, "pdftoppm", "-png", "-r", strconv.Itoa(r.DPI), path, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rasterize %s: %w", path, ctx.Err())
		}
		return nil, fmt.Errorf("rasterize %s: %v: %s", path, err, strings.TrimSpace(stderr.String()))
	}

	pages, err := collectPages(dir)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("rasterize %s: no pages produced", path)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	docs := make([]model.Document, 0, len(pages))
	for i, p := range pages {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", i+1, err)
		}
		docs = append(docs, model.Document{
			Name:     fmt.Sprintf("%s_page_%d.png", base, i+1),
			MIMEType: "image/png",
			Data:     data,
		})
	}
	return docs, nil
}

// collectPages lists pdftoppm output (page-1.png or page-01.png) in page order.
func collectPages(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(i, j int) bool {
		return pageNumber(matches[i]) < pageNumber(matches[j])
	})
	return matches, nil
}

func pageNumber(path string) int {
	name := strings.TrimSuffix(filepath.Base(path), ".png")
	_, num, _ := strings.Cut(name, "-")
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0
	}
	return n
}

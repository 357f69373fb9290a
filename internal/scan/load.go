package scan

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pavelanni/papercheck/internal/model"
)

// LoadDocuments reads the given files in order. PDFs are rasterized page by
// page with r; any other file is passed through as is.
func LoadDocuments(ctx context.Context, r *Rasterizer, paths ...string) ([]model.Document, error) {
	var docs []model.Document
	for _, path := range paths {
		if strings.EqualFold(filepath.Ext(path), ".pdf") {
			pages, err := r.Rasterize(ctx, path)
			if err != nil {
				return nil, err
			}
			docs = append(docs, pages...)
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		docs = append(docs, model.Document{
			Name:     filepath.Base(path),
			MIMEType: http.DetectContentType(data),
			Data:     data,
		})
	}
	return docs, nil
}

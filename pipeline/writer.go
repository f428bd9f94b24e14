package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pwr-usr/argos-scraper/models"
)

// RecordWriter persists one record per successfully scraped product.
type RecordWriter interface {
	Write(p *models.ExtractedProduct) error
	Has(id string) bool
}

// JSONRecordWriter stores each product as a pretty-printed JSON file keyed by
// the sanitized source identifier.
type JSONRecordWriter struct {
	dir string
}

// NewJSONRecordWriter creates the output directory if needed.
func NewJSONRecordWriter(dir string) (*JSONRecordWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory %q: %w", dir, err)
	}
	return &JSONRecordWriter{dir: dir}, nil
}

// Write saves the record, replacing any previous record for the same
// identifier.
func (w *JSONRecordWriter) Write(p *models.ExtractedProduct) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record for %s: %w", p.SourceIdentifier, err)
	}
	path := w.path(p.SourceIdentifier)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write record %s: %w", path, err)
	}
	return nil
}

// Has reports whether a record for id is already on disk.
func (w *JSONRecordWriter) Has(id string) bool {
	info, err := os.Stat(w.path(id))
	return err == nil && info.Size() > 0
}

func (w *JSONRecordWriter) path(id string) string {
	return filepath.Join(w.dir, SanitizeIdentifier(id)+".json")
}

// SanitizeIdentifier makes an identifier safe to use as a file name.
func SanitizeIdentifier(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	return strings.ReplaceAll(id, `\`, "_")
}

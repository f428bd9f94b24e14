// Package input reads the two-column identifier list: EAN codes and model
// numbers. The EAN is preferred when a row has both.
package input

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pwr-usr/argos-scraper/models"
)

// Load reads identifiers from the CSV at path, preserving input order. The
// file must have EAN and Model header columns; rows with neither value are
// skipped with a warning.
func Load(path string) ([]models.Identifier, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads identifiers from CSV content.
func Parse(r io.Reader) ([]models.Identifier, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read input header: %w", err)
	}

	eanCol, modelCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "ean":
			eanCol = i
		case "model":
			modelCol = i
		}
	}
	if eanCol == -1 || modelCol == -1 {
		return nil, fmt.Errorf("input must have EAN and Model columns, got %v", header)
	}

	var ids []models.Identifier
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read input row %d: %w", row+1, err)
		}
		row++

		ean := field(record, eanCol)
		model := field(record, modelCol)
		switch {
		case ean != "":
			ids = append(ids, models.Identifier{Value: ean, Strategy: models.ExactCode})
		case model != "":
			ids = append(ids, models.Identifier{Value: model, Strategy: models.ModelNumber})
		default:
			slog.Warn("input row has neither EAN nor model, skipping", slog.Int("row", row))
		}
	}

	return ids, nil
}

func field(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

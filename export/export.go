// Package export flattens the per-product JSON records into one CSV for
// downstream consumers.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pwr-usr/argos-scraper/models"
)

var header = []string{
	"searchTerm", "timestamp", "productName", "description", "partNumber",
	"price_now", "price_was", "flashText", "freeDelivery",
	"variableDeliveryPrice", "deliveryPrice", "url",
}

// Run reads every .json record in dir and writes the combined CSV to outPath.
// Unreadable records are skipped with a warning; an empty directory is an
// error because it usually means the scrape step has not run.
func Run(dir, outPath, baseURL string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read records directory: %w", err)
	}

	var rows [][]string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		row, err := parseRecord(path, baseURL)
		if err != nil {
			slog.Warn("skipping record", slog.String("path", path), slog.Any("error", err))
			continue
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return 0, fmt.Errorf("no usable records in %s", dir)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("create csv file: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if err := writer.Write(header); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return 0, fmt.Errorf("write csv record: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return 0, fmt.Errorf("flush csv: %w", err)
	}

	return len(rows), nil
}

func parseRecord(path, baseURL string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var record models.ExtractedProduct
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}

	searchTerm := record.SourceIdentifier
	if searchTerm == "" {
		// Fall back to the file name for records written by older runs.
		searchTerm = strings.ReplaceAll(strings.TrimSuffix(filepath.Base(path), ".json"), "_", "/")
	}

	storeData := dig(record.Fields, "productStore", "data")
	attributes := dig(storeData, "attributes")
	prices := dig(storeData, "prices", "attributes")
	delivery := dig(prices, "delivery")

	partNumber := asString(dig(attributes, "partNumber"))
	productURL := record.SourceURL
	if productURL == "" && partNumber != "" {
		productURL = strings.TrimRight(baseURL, "/") + "/product/" + partNumber
	}

	timestamp := record.ScrapedAt
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	return []string{
		searchTerm,
		timestamp.Format("2006-01-02"),
		asString(dig(storeData, "productName")),
		asString(dig(attributes, "description")),
		partNumber,
		asString(dig(prices, "now")),
		asString(dig(prices, "was")),
		asString(dig(prices, "flashText")),
		asString(dig(delivery, "freeDelivery")),
		asString(dig(delivery, "variableDeliveryPrice")),
		asString(dig(delivery, "deliveryPrice")),
		productURL,
	}, nil
}

// dig walks nested map[string]any keys, returning nil when any hop is
// missing or not a map.
func dig(value any, keys ...string) any {
	for _, key := range keys {
		m, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		value = m[key]
	}
	return value
}

func asString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return fmt.Sprintf("%t", v)
	case float64:
		// JSON numbers decode as float64; trim integral values.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

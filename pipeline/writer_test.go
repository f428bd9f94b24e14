package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pwr-usr/argos-scraper/models"
)

func TestJSONRecordWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewJSONRecordWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	record := &models.ExtractedProduct{
		SourceIdentifier: "5028965808078",
		SourceURL:        "https://www.argos.co.uk/product/9505051",
		Fields:           map[string]any{"productStore": map[string]any{"data": map[string]any{"productName": "Kettle"}}},
		Method:           models.MethodEmbeddedState,
		ScrapedAt:        time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	if w.Has(record.SourceIdentifier) {
		t.Fatalf("Has should be false before writing")
	}
	if err := w.Write(record); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !w.Has(record.SourceIdentifier) {
		t.Fatalf("Has should be true after writing")
	}

	data, err := os.ReadFile(filepath.Join(dir, "5028965808078.json"))
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	var loaded models.ExtractedProduct
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if loaded.SourceURL != record.SourceURL || loaded.Method != models.MethodEmbeddedState {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestJSONRecordWriterSanitizesFileNames(t *testing.T) {
	dir := t.TempDir()
	w, err := NewJSONRecordWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	record := &models.ExtractedProduct{
		SourceIdentifier: "CHP61/100WH",
		Fields:           map[string]any{"a": 1},
	}
	if err := w.Write(record); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "CHP61_100WH.json")); err != nil {
		t.Fatalf("sanitized file missing: %v", err)
	}
	if !w.Has("CHP61/100WH") {
		t.Fatalf("Has must use the same sanitization as Write")
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "5028965808078", want: "5028965808078"},
		{in: "CHP61/100WH", want: "CHP61_100WH"},
		{in: `A\B/C`, want: "A_B_C"},
	}
	for _, tt := range tests {
		if got := SanitizeIdentifier(tt.in); got != tt.want {
			t.Fatalf("SanitizeIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

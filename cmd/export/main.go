package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/pwr-usr/argos-scraper/config"
	"github.com/pwr-usr/argos-scraper/export"
)

func main() {
	cfg := config.DefaultConfig()

	dir := flag.String("dir", cfg.OutputDir, "Directory containing per-product JSON records")
	out := flag.String("out", "products.csv", "Output CSV path")
	baseURL := flag.String("base-url", cfg.BaseURL, "Base URL used to reconstruct product links")
	flag.Parse()

	n, err := export.Run(*dir, *out, *baseURL)
	if err != nil {
		slog.Error("export failed", slog.Any("error", err))
		os.Exit(1)
	}
	fmt.Printf("Wrote %d records to %s\n", n, *out)
}

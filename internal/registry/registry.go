// Package registry loads the tracked-product list from a CSV or YAML file.
// The pipeline treats the result as a read-only snapshot.
package registry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"price-tracker/internal/logger"
	"price-tracker/internal/models"
	"price-tracker/internal/scraper"
)

var nonNumeric = regexp.MustCompile(`[^\d.]`)

// entry is one raw registry row before validation
type entry struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Platform  string `yaml:"platform"`
	Threshold string `yaml:"threshold"`
}

// Load reads a registry file, choosing the format by extension. Invalid rows
// are skipped with a warning; a missing file is an error.
func Load(path string, log *logger.Logger) ([]models.Product, error) {
	if log == nil {
		log = logger.Nop()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open products file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(f, log)
	default:
		return LoadCSV(f, log)
	}
}

// LoadCSV reads rows with a header naming the columns name, url, platform
// and threshold in any order.
func LoadCSV(r io.Reader, log *logger.Logger) ([]models.Product, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return []models.Product{}, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, required := range []string{"name", "url", "threshold"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("csv header missing %q column", required)
		}
	}
	field := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var entries []entry
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		entries = append(entries, entry{
			Name:      field(record, "name"),
			URL:       field(record, "url"),
			Platform:  field(record, "platform"),
			Threshold: field(record, "threshold"),
		})
	}
	// data rows start on line 2
	return build(entries, 2, log), nil
}

// LoadYAML reads either a bare list of products or a document with a
// top-level "products" list.
func LoadYAML(r io.Reader, log *logger.Logger) ([]models.Product, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var entries []entry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		var doc struct {
			Products []entry `yaml:"products"`
		}
		if err2 := yaml.Unmarshal(raw, &doc); err2 != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		entries = doc.Products
	}
	return build(entries, 1, log), nil
}

func build(entries []entry, firstRow int, log *logger.Logger) []models.Product {
	products := make([]models.Product, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		row := firstRow + i
		name := strings.TrimSpace(e.Name)
		url := strings.TrimSpace(e.URL)
		if name == "" || url == "" {
			log.Warn("Missing name or URL, skipping", "row", row)
			continue
		}
		threshold, ok := cleanThreshold(e.Threshold)
		if !ok {
			log.Warn("Invalid threshold, skipping product", "row", row, "product", name, "threshold", e.Threshold)
			continue
		}

		platform := models.ParsePlatform(e.Platform)
		if platform == "" {
			inferred, ok := models.PlatformFromURL(url)
			if !ok {
				log.Warn("Cannot infer platform from URL, skipping", "row", row, "product", name, "url", url)
				continue
			}
			platform = inferred
		}

		key := strings.ToLower(name)
		if seen[key] {
			log.Warn("Duplicate product name, keeping the first", "row", row, "product", name)
			continue
		}
		seen[key] = true

		products = append(products, models.Product{
			Name:      models.ProductName(name),
			URL:       url,
			Platform:  platform,
			Threshold: threshold,
		})
	}
	return products
}

// cleanThreshold accepts a plain number or a displayed price ("Rs 1,500")
func cleanThreshold(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := scraper.ParsePrice(s, scraper.DotDecimal)
	if err != nil {
		cleaned := strings.Trim(nonNumeric.ReplaceAllString(s, ""), ".")
		if d, err = decimal.NewFromString(cleaned); err != nil {
			return decimal.Decimal{}, false
		}
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, false
	}
	return d, true
}

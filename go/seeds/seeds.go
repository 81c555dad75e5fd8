// Package seeds manages the product seed file: the YAML list of product ids
// the pipeline ingests, refreshed from the exchange's product listing.
package seeds

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// DefaultPath is where the seed file lives relative to the working directory.
const DefaultPath = "seeds/products.yaml"

// Seed is the on-disk seed document.
type Seed struct {
	ProductIDs []string          `yaml:"product_ids"`
	Metadata   map[string]string `yaml:"metadata,omitempty"`
}

// Load reads the seed file. A missing file is an empty seed, so first runs
// work before any update-seed has happened.
func Load(path string) (*Seed, error) {
	if path == "" {
		path = DefaultPath
	}
	var body, err = os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.WithField("path", path).Info("no seed file, starting empty")
		return &Seed{Metadata: make(map[string]string)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(body, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file %s: %w", path, err)
	}
	if seed.Metadata == nil {
		seed.Metadata = make(map[string]string)
	}
	sort.Strings(seed.ProductIDs)
	return &seed, nil
}

// Save writes the seed file, creating parent directories as needed.
func Save(path string, seed *Seed) error {
	if path == "" {
		path = DefaultPath
	}
	sort.Strings(seed.ProductIDs)
	var body, err = yaml.Marshal(seed)
	if err != nil {
		return fmt.Errorf("encoding seed file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating seed dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("writing seed file: %w", err)
	}
	log.WithFields(log.Fields{"path": path, "products": len(seed.ProductIDs)}).Info("saved seed file")
	return nil
}

// Filter returns the product ids matching pattern, or all of them when
// pattern is empty.
func (s *Seed) Filter(pattern string) ([]string, error) {
	if pattern == "" {
		return append([]string(nil), s.ProductIDs...), nil
	}
	var re, err = regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid product filter %q: %w", pattern, err)
	}
	var matched []string
	for _, id := range s.ProductIDs {
		if re.MatchString(id) {
			matched = append(matched, id)
		}
	}
	return matched, nil
}

// Replace swaps the product list for the given one and reports how many ids
// are new relative to what was there before.
func (s *Seed) Replace(products []string) int {
	var have = make(map[string]struct{}, len(s.ProductIDs))
	for _, id := range s.ProductIDs {
		have[id] = struct{}{}
	}
	var added int
	for _, id := range products {
		if _, ok := have[id]; !ok {
			added++
		}
	}
	s.ProductIDs = append([]string(nil), products...)
	sort.Strings(s.ProductIDs)
	return added
}

// Merge adds product ids not already present and reports how many were new.
// Existing ids are never removed: delistings are handled by hand, not by a
// refresh silently shrinking coverage.
func (s *Seed) Merge(products []string) int {
	var have = make(map[string]struct{}, len(s.ProductIDs))
	for _, id := range s.ProductIDs {
		have[id] = struct{}{}
	}
	var added int
	for _, id := range products {
		if _, ok := have[id]; ok {
			continue
		}
		have[id] = struct{}{}
		s.ProductIDs = append(s.ProductIDs, id)
		added++
	}
	sort.Strings(s.ProductIDs)
	return added
}

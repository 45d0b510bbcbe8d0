// Package firmware loads firmware catalogs into firmware storage.
package firmware

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/micromdm/nanorollout/subsystem/firmware/storage"
	"gopkg.in/yaml.v3"
)

// Catalog is a list of firmware versions as read from a YAML file.
//
// Example:
//
//	firmware:
//	  - id: gw-2.4.1
//	    version: 2.4.1
//	    location: https://cdn.example.com/gw/2.4.1.bin
//	    checksum: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
//	    size: 1048576
type Catalog struct {
	Firmware []*storage.Firmware `yaml:"firmware"`
}

// DecodeCatalog decodes and validates a YAML catalog from r.
func DecodeCatalog(r io.Reader) (*Catalog, error) {
	c := new(Catalog)
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	seen := make(map[string]struct{})
	for i, f := range c.Firmware {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if _, ok := seen[f.ID]; ok {
			return nil, fmt.Errorf("catalog entry %d: duplicate id: %s", i, f.ID)
		}
		seen[f.ID] = struct{}{}
	}
	return c, nil
}

// Seed stores all firmware of the catalog.
// Firmware that already exists with identical contents is skipped.
func Seed(ctx context.Context, store storage.Storage, c *Catalog) error {
	for _, f := range c.Firmware {
		if err := store.StoreFirmware(ctx, f); err != nil {
			return fmt.Errorf("storing firmware %s: %w", f.ID, err)
		}
	}
	return nil
}

// SeedFile decodes the catalog at path and seeds store with it.
// It returns the number of catalog entries.
func SeedFile(ctx context.Context, store storage.Storage, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	c, err := DecodeCatalog(f)
	if err != nil {
		return 0, err
	}
	return len(c.Firmware), Seed(ctx, store, c)
}

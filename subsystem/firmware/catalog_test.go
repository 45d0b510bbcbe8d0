package firmware

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/micromdm/nanorollout/subsystem/firmware/storage"
	"github.com/micromdm/nanorollout/subsystem/firmware/storage/inmem"
)

func TestSeedFile(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()

	n, err := SeedFile(ctx, store, "testdata/catalog.yaml")
	if err != nil {
		t.Fatal(err)
	}

	if have, want := n, 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	f, err := store.RetrieveFirmware(ctx, "gw-2.4.1")
	if err != nil {
		t.Fatal(err)
	}

	if have, want := f.Version, "2.4.1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := f.Size, int64(1048576); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// seeding twice is fine
	if _, err = SeedFile(ctx, store, "testdata/catalog.yaml"); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeCatalogInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
	}{
		{"bad checksum", `
firmware:
  - id: a
    version: 1.0.0
    location: https://x/a.bin
    checksum: nope
    size: 1
`},
		{"duplicate", `
firmware:
  - id: a
    version: 1.0.0
    location: https://x/a.bin
    checksum: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
    size: 1
  - id: a
    version: 1.0.1
    location: https://x/a.bin
    checksum: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
    size: 1
`},
		{"unknown field", `
firmware:
  - id: a
    colour: blue
`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeCatalog(strings.NewReader(tc.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSeedConflict(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	c, err := DecodeCatalog(strings.NewReader(`
firmware:
  - id: a
    version: 1.0.0
    location: https://x/a.bin
    checksum: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
    size: 1
`))
	if err != nil {
		t.Fatal(err)
	}
	if err = Seed(ctx, store, c); err != nil {
		t.Fatal(err)
	}
	c.Firmware[0].Size = 2
	if err = Seed(ctx, store, c); !errors.Is(err, storage.ErrFirmwareExists) {
		t.Errorf("expected ErrFirmwareExists, got: %v", err)
	}
}

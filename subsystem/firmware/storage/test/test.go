// Package test provides a shared test suite for firmware storage backends.
package test

import (
	"context"
	"errors"
	"testing"

	"github.com/micromdm/nanorollout/subsystem/firmware/storage"
	"github.com/micromdm/nanorollout/utils/uuid"
)

func TestFirmwareStorage(t *testing.T, newStorage func() storage.Storage) {
	s := newStorage()
	ctx := context.Background()

	id := "fw-" + uuid.NewRandom().ID()
	fw := &storage.Firmware{
		ID:       id,
		Version:  "1.2.3",
		Location: "https://cdn.example.com/fw/1.2.3.bin",
		Checksum: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		Size:     4096,
	}

	_, err := s.RetrieveFirmware(ctx, id)
	if !errors.Is(err, storage.ErrFirmwareNotFound) {
		t.Fatalf("expected ErrFirmwareNotFound, got: %v", err)
	}

	err = s.StoreFirmware(ctx, fw)
	if err != nil {
		t.Fatal(err)
	}

	fw2, err := s.RetrieveFirmware(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	if !fw.Equal(fw2) {
		t.Errorf("firmware not equal: have: %+v, want: %+v", fw2, fw)
	}

	if fw2.CreatedAt.IsZero() {
		t.Error("expected created at to be set")
	}

	// storing identical firmware is a no-op
	if err = s.StoreFirmware(ctx, fw); err != nil {
		t.Errorf("storing identical firmware: %v", err)
	}

	// firmware is immutable
	changed := *fw
	changed.Checksum = "60303ae22b998861bce3b28f33eec1be758a213c86c93c076dbe9f558c11c752"
	err = s.StoreFirmware(ctx, &changed)
	if !errors.Is(err, storage.ErrFirmwareExists) {
		t.Errorf("expected ErrFirmwareExists, got: %v", err)
	}

	fw2, err = s.RetrieveFirmware(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	if have, want := fw2.Checksum, fw.Checksum; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// invalid firmware is never stored
	invalid := *fw
	invalid.ID = "fw-" + uuid.NewRandom().ID()
	invalid.Version = "not-semver"
	if err = s.StoreFirmware(ctx, &invalid); err == nil {
		t.Error("expected error storing invalid firmware")
	}

	list, err := s.RetrieveFirmwareList(ctx)
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, f := range list {
		if f.ID == id {
			found = true
		}
		if f.ID == invalid.ID {
			t.Error("invalid firmware found in list")
		}
	}
	if !found {
		t.Error("firmware not found in list")
	}
}

// Package test provides a shared test suite for device registry storage backends.
package test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/micromdm/nanorollout/subsystem/registry/storage"
)

func TestStorage(t *testing.T, newStorage func() storage.Storage) {
	s := newStorage()
	ctx := context.Background()

	id := "AA11BB22"
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.RetrieveDevice(ctx, id)
	if !errors.Is(err, storage.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got: %v", err)
	}

	// touching an unknown device does nothing
	if err = s.TouchDevice(ctx, id, seen); err != nil {
		t.Fatal(err)
	}

	if err = s.StoreDevice(ctx, &storage.Device{ID: id}); !errors.Is(err, storage.ErrMissingTenantID) {
		t.Errorf("expected ErrMissingTenantID, got: %v", err)
	}

	err = s.StoreDevice(ctx, &storage.Device{ID: id, TenantID: "t1", Online: false, LastSeen: seen})
	if err != nil {
		t.Fatal(err)
	}

	d, err := s.RetrieveDevice(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	if have, want := d.TenantID, "t1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := d.Online, false; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if err = s.StoreDevice(ctx, &storage.Device{ID: id, TenantID: "t2"}); !errors.Is(err, storage.ErrTenantImmutable) {
		t.Errorf("expected ErrTenantImmutable, got: %v", err)
	}

	later := seen.Add(time.Minute)
	if err = s.TouchDevice(ctx, id, later); err != nil {
		t.Fatal(err)
	}

	// an older touch does not move last seen backwards
	if err = s.TouchDevice(ctx, id, seen); err != nil {
		t.Fatal(err)
	}

	d, err = s.RetrieveDevice(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	if have, want := d.Online, true; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := d.LastSeen, later; !have.Equal(want) {
		t.Errorf("have: %v, want: %v", have, want)
	}

	for i := 0; i < 2; i++ {
		// committing twice is a no-op
		if err = s.CommitFirmware(ctx, id, "fw-2", later); err != nil {
			t.Fatal(err)
		}
	}

	if err = s.CommitFirmware(ctx, "unknown-device", "fw-2", later); !errors.Is(err, storage.ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got: %v", err)
	}

	devices, err := s.RetrieveDevices(ctx, &storage.SearchOptions{IDs: []string{id, "unknown-device"}})
	if err != nil {
		t.Fatal(err)
	}

	if have, want := len(devices), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	d = devices[id]
	if have, want := d.FirmwareID, "fw-2"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := len(d.FirmwareHistory), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// re-registering does not lose firmware history
	if err = s.StoreDevice(ctx, &storage.Device{ID: id, TenantID: "t1", Online: true}); err != nil {
		t.Fatal(err)
	}

	d, err = s.RetrieveDevice(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	if have, want := d.FirmwareID, "fw-2"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if _, err = s.RetrieveDevices(ctx, nil); !errors.Is(err, storage.ErrNoIDs) {
		t.Errorf("expected ErrNoIDs, got: %v", err)
	}
}

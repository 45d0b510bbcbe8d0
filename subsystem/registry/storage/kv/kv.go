// Package kv implements a device registry storage backend using a key-value store.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/micromdm/nanorollout/subsystem/registry/storage"
	"github.com/micromdm/nanorollout/utils/kv"
)

// KV is a device registry storage backend using a key-value store.
type KV struct {
	mu sync.Mutex
	b  kv.Bucket
}

// New creates a new device registry backend.
func New(b kv.Bucket) *KV {
	return &KV{b: b}
}

func (s *KV) get(ctx context.Context, id string) (*storage.Device, error) {
	d := new(storage.Device)
	err := kv.GetJSON(ctx, s.b, id, d)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrDeviceNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("getting device: %w", err)
	}
	return d, nil
}

func (s *KV) set(ctx context.Context, d *storage.Device) error {
	return kv.SetJSON(ctx, s.b, d.ID, d)
}

// RetrieveDevice returns the device by ID from the key-value store.
func (s *KV) RetrieveDevice(ctx context.Context, id string) (*storage.Device, error) {
	return s.get(ctx, id)
}

// RetrieveDevices returns the registered devices from the key-value store.
func (s *KV) RetrieveDevices(ctx context.Context, opt *storage.SearchOptions) (map[string]*storage.Device, error) {
	if opt == nil || len(opt.IDs) < 1 {
		return nil, storage.ErrNoIDs
	}
	r := make(map[string]*storage.Device)
	for _, id := range opt.IDs {
		d, err := s.get(ctx, id)
		if errors.Is(err, storage.ErrDeviceNotFound) {
			continue
		} else if err != nil {
			return r, err
		}
		r[id] = d
	}
	return r, nil
}

// StoreDevice registers or updates a device in the key-value store.
func (s *KV) StoreDevice(ctx context.Context, d *storage.Device) error {
	if d == nil || d.ID == "" {
		return storage.ErrNoIDs
	}
	if d.TenantID == "" {
		return storage.ErrMissingTenantID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.get(ctx, d.ID)
	if errors.Is(err, storage.ErrDeviceNotFound) {
		existing = &storage.Device{ID: d.ID, TenantID: d.TenantID, FirmwareID: d.FirmwareID}
	} else if err != nil {
		return err
	} else if existing.TenantID != d.TenantID {
		return fmt.Errorf("%w: %s", storage.ErrTenantImmutable, d.ID)
	}
	existing.Online = d.Online
	if d.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = d.LastSeen
	}
	existing.UpdatedAt = time.Now().UTC()
	return s.set(ctx, existing)
}

// TouchDevice marks the device online and seen in the key-value store.
func (s *KV) TouchDevice(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.get(ctx, id)
	if errors.Is(err, storage.ErrDeviceNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	d.Online = true
	if at.After(d.LastSeen) {
		d.LastSeen = at
	}
	d.UpdatedAt = time.Now().UTC()
	return s.set(ctx, d)
}

// CommitFirmware records the running firmware of the device in the key-value store.
func (s *KV) CommitFirmware(ctx context.Context, id, firmwareID string, at time.Time) error {
	if firmwareID == "" {
		return storage.ErrMissingFirmware
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if d.FirmwareID == firmwareID {
		return nil
	}
	d.FirmwareID = firmwareID
	d.FirmwareHistory = append(d.FirmwareHistory, storage.FirmwareCommit{
		FirmwareID:  firmwareID,
		CommittedAt: at,
	})
	d.UpdatedAt = time.Now().UTC()
	return s.set(ctx, d)
}

// Package kv implements a firmware storage backend using key-value storage.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/micromdm/nanorollout/subsystem/firmware/storage"
	"github.com/micromdm/nanorollout/utils/kv"
)

const keyPfxFirmware = "fw."

// KV is a firmware storage backend using key-value storage.
type KV struct {
	mu sync.Mutex
	b  kv.KeysBucket
}

func New(b kv.KeysBucket) *KV {
	return &KV{b: b}
}

func (s *KV) get(ctx context.Context, id string) (*storage.Firmware, error) {
	f := new(storage.Firmware)
	err := kv.GetJSON(ctx, s.b, keyPfxFirmware+id, f)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrFirmwareNotFound, id)
	} else if err != nil {
		return nil, err
	}
	return f, nil
}

// RetrieveFirmware returns the firmware in the key-value store by ID.
func (s *KV) RetrieveFirmware(ctx context.Context, id string) (*storage.Firmware, error) {
	return s.get(ctx, id)
}

// RetrieveFirmwareList returns all firmware in the key-value store sorted by ID.
// Keys share a prefix so sorted keys are sorted IDs.
func (s *KV) RetrieveFirmwareList(ctx context.Context) ([]*storage.Firmware, error) {
	keys, err := kv.PrefixKeys(ctx, s.b, keyPfxFirmware)
	if err != nil {
		return nil, err
	}
	var ret []*storage.Firmware
	for _, k := range keys {
		f, err := s.get(ctx, strings.TrimPrefix(k, keyPfxFirmware))
		if err != nil {
			return ret, err
		}
		ret = append(ret, f)
	}
	return ret, nil
}

// StoreFirmware stores the firmware in the key-value store if it does not yet exist.
func (s *KV) StoreFirmware(ctx context.Context, f *storage.Firmware) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.get(ctx, f.ID)
	if err == nil {
		if existing.Equal(f) {
			return nil
		}
		return fmt.Errorf("%w: %s", storage.ErrFirmwareExists, f.ID)
	} else if !errors.Is(err, storage.ErrFirmwareNotFound) {
		return err
	}
	toStore := *f
	if toStore.CreatedAt.IsZero() {
		toStore.CreatedAt = time.Now().UTC()
	}
	return kv.SetJSON(ctx, s.b, keyPfxFirmware+f.ID, &toStore)
}

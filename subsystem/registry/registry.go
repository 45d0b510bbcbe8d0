// Package registry adapts device registry storage to the collaborators
// needed by the rollout engine and campaign manager.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanorollout/activity"
	"github.com/micromdm/nanorollout/subsystem/registry/storage"
)

// Registry answers device questions from registry storage.
type Registry struct {
	store storage.Storage
	now   func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for commit and touch times.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a new registry from store.
func New(store storage.Storage, opts ...Option) *Registry {
	r := &Registry{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func translate(err error) error {
	if errors.Is(err, storage.ErrDeviceNotFound) {
		return fmt.Errorf("%w: %v", activity.ErrUnknownDevice, err)
	}
	return err
}

// IsDeviceOnline returns the stored connectivity of the device.
func (r *Registry) IsDeviceOnline(ctx context.Context, deviceID string) (bool, time.Time, error) {
	d, err := r.store.RetrieveDevice(ctx, deviceID)
	if err != nil {
		return false, time.Time{}, translate(err)
	}
	return d.Online, d.LastSeen, nil
}

// DeviceTenant returns the tenant of the device.
func (r *Registry) DeviceTenant(ctx context.Context, deviceID string) (string, error) {
	d, err := r.store.RetrieveDevice(ctx, deviceID)
	if err != nil {
		return "", translate(err)
	}
	return d.TenantID, nil
}

// DeviceTenants returns the tenants of devices by ID.
// Unregistered devices are missing from the result.
func (r *Registry) DeviceTenants(ctx context.Context, deviceIDs []string) (map[string]string, error) {
	devices, err := r.store.RetrieveDevices(ctx, &storage.SearchOptions{IDs: deviceIDs})
	if err != nil {
		return nil, err
	}
	ret := make(map[string]string, len(devices))
	for id, d := range devices {
		ret[id] = d.TenantID
	}
	return ret, nil
}

// CommitFirmwareVersion records firmwareID as the running firmware of the device.
func (r *Registry) CommitFirmwareVersion(ctx context.Context, deviceID, firmwareID string) error {
	return translate(r.store.CommitFirmware(ctx, deviceID, firmwareID, r.now()))
}

// TouchDevice marks the device as seen now.
func (r *Registry) TouchDevice(ctx context.Context, deviceID string) error {
	return r.store.TouchDevice(ctx, deviceID, r.now())
}

// Package storage defines types and interfaces to support the device registry subsystem.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoIDs            = errors.New("no IDs provided")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrMissingTenantID  = errors.New("missing tenant id")
	ErrMissingFirmware  = errors.New("missing firmware id")
	ErrTenantImmutable  = errors.New("device tenant cannot be changed")
	ErrEmptyDeviceValue = errors.New("empty device")
)

// FirmwareCommit records a firmware version becoming the running version of a device.
type FirmwareCommit struct {
	FirmwareID  string    `json:"firmware_id"`
	CommittedAt time.Time `json:"committed_at"`
}

// Device is a registered device.
type Device struct {
	ID       string `json:"device_id"`
	TenantID string `json:"tenant_id"`

	// Online is the last connectivity state reported for the device.
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitempty"`

	// FirmwareID is the committed (running) firmware of the device.
	FirmwareID      string           `json:"firmware_id,omitempty"`
	FirmwareHistory []FirmwareCommit `json:"firmware_history,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// SearchOptions is a basic query for devices.
type SearchOptions struct {
	IDs []string // slice of device IDs to query against
}

type ReadStorage interface {
	// RetrieveDevice returns the device by ID.
	// ErrDeviceNotFound is returned if the device is not registered.
	RetrieveDevice(ctx context.Context, id string) (*Device, error)

	// RetrieveDevices returns the registered devices mapped by ID.
	// Unregistered IDs are not included in the result.
	RetrieveDevices(ctx context.Context, opt *SearchOptions) (map[string]*Device, error)
}

type Storage interface {
	ReadStorage

	// StoreDevice registers or updates a device's tenant and connectivity.
	// The tenant of an existing device cannot be changed and the
	// firmware history is never replaced.
	StoreDevice(ctx context.Context, d *Device) error

	// TouchDevice marks the device as online and seen at.
	// It is not an error to touch an unregistered device (nothing happens).
	TouchDevice(ctx context.Context, id string, at time.Time) error

	// CommitFirmware records firmwareID as the device's running firmware.
	// Committing the firmware that is already running is a no-op.
	CommitFirmware(ctx context.Context, id, firmwareID string, at time.Time) error
}

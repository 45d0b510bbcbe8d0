// Package storage defines types and methods for a firmware catalog storage backend.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrFirmwareNotFound = errors.New("firmware not found")

	// ErrFirmwareExists is returned when storing a firmware version
	// under an existing ID with different contents.
	ErrFirmwareExists = errors.New("firmware already exists with different contents")
)

var validate = validator.New()

// Firmware is an immutable firmware version.
type Firmware struct {
	ID string `json:"firmware_id" yaml:"id" validate:"required,max=128"`
	// Version is the semantic version string of the firmware.
	Version string `json:"version" yaml:"version" validate:"required,semver"`
	// Location references where devices download the binary from.
	Location string `json:"location" yaml:"location" validate:"required,url"`
	// Checksum is the hex SHA-256 checksum of the binary.
	Checksum string `json:"checksum" yaml:"checksum" validate:"required,sha256"`
	Size     int64  `json:"size" yaml:"size" validate:"gt=0"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
}

// Validate checks the firmware for missing or malformed values.
func (f *Firmware) Validate() error {
	if f == nil {
		return errors.New("empty firmware")
	}
	return validate.Struct(f)
}

// Equal returns true if f and o describe the same binary.
// The creation time is not considered.
func (f *Firmware) Equal(o *Firmware) bool {
	if f == nil || o == nil {
		return f == o
	}
	return f.ID == o.ID &&
		f.Version == o.Version &&
		f.Location == o.Location &&
		f.Checksum == o.Checksum &&
		f.Size == o.Size
}

type ReadStorage interface {
	// RetrieveFirmware returns the firmware by ID.
	// ErrFirmwareNotFound is returned if the ID hasn't been stored.
	RetrieveFirmware(ctx context.Context, id string) (*Firmware, error)

	// RetrieveFirmwareList returns all stored firmware.
	RetrieveFirmwareList(ctx context.Context) ([]*Firmware, error)
}

type Storage interface {
	ReadStorage

	// StoreFirmware stores a new firmware version.
	// Firmware is immutable: storing the same firmware again is a no-op
	// while storing different contents under an existing ID returns
	// ErrFirmwareExists.
	StoreFirmware(ctx context.Context, f *Firmware) error
}

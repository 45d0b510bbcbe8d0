// Package mysql implements a firmware catalog storage backend using MySQL.
package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanorollout/subsystem/firmware/storage"
)

// Schema contains the MySQL schema for the firmware storage.
//
//go:embed schema.sql
var Schema string

// MySQLStorage implements a storage.Storage using MySQL.
type MySQLStorage struct {
	db *sql.DB
}

// New creates a firmware store on db.
// The firmware table is expected to exist; see Schema.
func New(ctx context.Context, db *sql.DB) (*MySQLStorage, error) {
	if db == nil {
		return nil, errors.New("nil database")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &MySQLStorage{db: db}, nil
}

const firmwareColumns = `firmware_id, version, location, checksum, size, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFirmware(row scanner) (*storage.Firmware, error) {
	f := new(storage.Firmware)
	err := row.Scan(&f.ID, &f.Version, &f.Location, &f.Checksum, &f.Size, &f.CreatedAt)
	return f, err
}

// RetrieveFirmware returns the firmware by ID from MySQL.
func (s *MySQLStorage) RetrieveFirmware(ctx context.Context, id string) (*storage.Firmware, error) {
	f, err := scanFirmware(s.db.QueryRowContext(
		ctx,
		`SELECT `+firmwareColumns+` FROM subsystem_firmware WHERE firmware_id = ?;`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrFirmwareNotFound, id)
	} else if err != nil {
		return nil, err
	}
	return f, nil
}

// RetrieveFirmwareList returns all firmware from MySQL sorted by ID.
func (s *MySQLStorage) RetrieveFirmwareList(ctx context.Context) ([]*storage.Firmware, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+firmwareColumns+` FROM subsystem_firmware ORDER BY firmware_id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []*storage.Firmware
	for rows.Next() {
		f, err := scanFirmware(rows)
		if err != nil {
			return ret, err
		}
		ret = append(ret, f)
	}
	return ret, rows.Err()
}

// StoreFirmware stores the firmware in MySQL if it does not yet exist.
func (s *MySQLStorage) StoreFirmware(ctx context.Context, f *storage.Firmware) error {
	if err := f.Validate(); err != nil {
		return err
	}
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(
		ctx, `
INSERT INTO subsystem_firmware
	(`+firmwareColumns+`)
VALUES
	(?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	firmware_id = firmware_id;`,
		f.ID,
		f.Version,
		f.Location,
		f.Checksum,
		f.Size,
		createdAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	existing, err := s.RetrieveFirmware(ctx, f.ID)
	if err != nil {
		return err
	}
	if !existing.Equal(f) {
		return fmt.Errorf("%w: %s", storage.ErrFirmwareExists, f.ID)
	}
	return nil
}

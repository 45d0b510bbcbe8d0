// Package diskv implements a storage backend for the firmware catalog backed by diskv.
package diskv

import (
	"github.com/micromdm/nanorollout/subsystem/firmware/storage/kv"
	"github.com/micromdm/nanorollout/utils/kv/kvdiskv"
)

// Diskv is a firmware storage backend that uses an on-disk key-value store.
type Diskv struct {
	*kv.KV
}

// New creates a new firmware store on disk at path.
func New(path string) *Diskv {
	return &Diskv{KV: kv.New(kvdiskv.Open(path, "firmware"))}
}

// Package diskv implements a diskv-backed device registry storage backend.
package diskv

import (
	"github.com/micromdm/nanorollout/subsystem/registry/storage/kv"
	"github.com/micromdm/nanorollout/utils/kv/kvdiskv"
)

// Diskv is an on-disk device registry storage backend.
type Diskv struct {
	*kv.KV
}

// New creates a new device registry on disk at path.
func New(path string) *Diskv {
	return &Diskv{KV: kv.New(kvdiskv.Open(path, "registry"))}
}

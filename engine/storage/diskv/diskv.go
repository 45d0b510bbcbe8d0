// Package diskv implements an engine storage backend using the diskv key-value store.
package diskv

import (
	"github.com/micromdm/nanorollout/engine/storage/kv"
	"github.com/micromdm/nanorollout/utils/kv/kvdiskv"
)

// Diskv is a diskv-backed engine storage backend.
// Each bucket is a directory under path/engine.
type Diskv struct {
	*kv.KV
}

func New(path string) *Diskv {
	return &Diskv{KV: kv.New(
		kvdiskv.Open(path, "engine", "workflow"),
		kvdiskv.Open(path, "engine", "index"),
		kvdiskv.Open(path, "engine", "campaign"),
		kvdiskv.Open(path, "engine", "report"),
	)}
}

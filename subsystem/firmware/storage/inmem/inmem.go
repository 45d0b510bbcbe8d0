// Package inmem implements an in-memory storage backend for the firmware catalog.
package inmem

import (
	"github.com/micromdm/nanorollout/subsystem/firmware/storage/kv"
	"github.com/micromdm/nanorollout/utils/kv/kvmap"
)

// InMem is a firmware storage backend using an in-memory key-value store.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(kvmap.NewBucket())}
}

// Package inmem implements an in-memory device registry storage backend.
package inmem

import (
	"github.com/micromdm/nanorollout/subsystem/registry/storage/kv"
	"github.com/micromdm/nanorollout/utils/kv/kvmap"
)

// InMem is an in-memory device registry storage backend.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(kvmap.NewBucket())}
}

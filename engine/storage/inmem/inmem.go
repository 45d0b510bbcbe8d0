// Package inmem implements an engine storage backend using in-memory key-value buckets.
// Nothing survives a restart; it is meant for tests and trying things out.
package inmem

import (
	"github.com/micromdm/nanorollout/engine/storage/kv"
	"github.com/micromdm/nanorollout/utils/kv/kvmap"
)

// InMem is an in-memory engine storage backend.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	workflows, index, campaigns, reports := kvmap.NewBucket(), kvmap.NewBucket(), kvmap.NewBucket(), kvmap.NewBucket()
	return &InMem{KV: kv.New(workflows, index, campaigns, reports)}
}

// Package kvmap is an in-memory key-value bucket.
package kvmap

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/micromdm/nanorollout/utils/kv"
)

// Bucket is an in-memory key-value bucket backed by a map.
type Bucket struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// NewBucket creates a new empty in-memory bucket.
func NewBucket() *Bucket {
	return &Bucket{m: make(map[string][]byte)}
}

func (b *Bucket) Get(_ context.Context, k string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", kv.ErrKeyNotFound, k)
	}
	return slices.Clone(v), nil
}

func (b *Bucket) Set(_ context.Context, k string, v []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[k] = slices.Clone(v)
	return nil
}

func (b *Bucket) Has(_ context.Context, k string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.m[k]
	return ok, nil
}

func (b *Bucket) Delete(_ context.Context, k string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, k)
	return nil
}

// Keys yields a snapshot of the keys taken when iteration starts.
// The bucket may be modified while iterating.
func (b *Bucket) Keys(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		b.mu.RLock()
		keys := slices.Collect(maps.Keys(b.m))
		b.mu.RUnlock()
		for _, k := range keys {
			if ctx.Err() != nil || !yield(k) {
				return
			}
		}
	}
}

// Package kvdiskv is an on-disk key-value bucket using diskv.
package kvdiskv

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"path/filepath"

	"github.com/micromdm/nanorollout/utils/kv"

	"github.com/peterbourgon/diskv/v3"
)

// Bucket is an on-disk key-value bucket.
type Bucket struct {
	dv *diskv.Diskv
}

// NewBucket creates a new bucket stored by dv.
func NewBucket(dv *diskv.Diskv) *Bucket {
	return &Bucket{dv: dv}
}

// cacheSize is the in-memory read cache per bucket in bytes.
const cacheSize = 1024 * 1024

// Open creates a bucket with all keys stored as files directly
// within the directory formed by joining elem.
func Open(elem ...string) *Bucket {
	return NewBucket(diskv.New(diskv.Options{
		BasePath:     filepath.Join(elem...),
		Transform:    func(string) []string { return nil },
		CacheSizeMax: cacheSize,
	}))
}

func (b *Bucket) Get(_ context.Context, k string) ([]byte, error) {
	v, err := b.dv.Read(k)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", kv.ErrKeyNotFound, k)
	}
	return v, err
}

func (b *Bucket) Set(_ context.Context, k string, v []byte) error {
	return b.dv.Write(k, v)
}

func (b *Bucket) Has(_ context.Context, k string) (bool, error) {
	return b.dv.Has(k), nil
}

// Delete erases k. Deleting a missing key is not an error.
func (b *Bucket) Delete(_ context.Context, k string) error {
	if err := b.dv.Erase(k); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Keys walks the keys on disk.
func (b *Bucket) Keys(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		cancel := make(chan struct{})
		defer close(cancel)
		for k := range b.dv.Keys(cancel) {
			if ctx.Err() != nil || !yield(k) {
				return
			}
		}
	}
}

// Package kv is the key-value bucket abstraction the key-value storage
// backends are built on. Values are stored as JSON.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
)

// ErrKeyNotFound is returned when getting a key that does not exist.
var ErrKeyNotFound = errors.New("key not found")

// Bucket is a single namespace of keys.
type Bucket interface {
	Get(ctx context.Context, k string) (v []byte, err error)
	Set(ctx context.Context, k string, v []byte) error
	Has(ctx context.Context, k string) (found bool, err error)
	Delete(ctx context.Context, k string) error
}

// KeysBucket is a bucket that can list its keys.
type KeysBucket interface {
	Bucket

	// Keys yields the keys of the bucket in no particular order.
	// Iteration stops early when ctx is done.
	Keys(ctx context.Context) iter.Seq[string]
}

// GetJSON unmarshals the value at k into v.
// A wrapped ErrKeyNotFound is returned if k does not exist.
func GetJSON(ctx context.Context, b Bucket, k string, v any) error {
	raw, err := b.Get(ctx, k)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", k, err)
	}
	return nil
}

// SetJSON stores v at k as JSON.
func SetJSON(ctx context.Context, b Bucket, k string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", k, err)
	}
	if err = b.Set(ctx, k, raw); err != nil {
		return fmt.Errorf("set %s: %w", k, err)
	}
	return nil
}

// PrefixKeys returns the sorted keys of b that begin with prefix.
// An empty prefix returns all keys.
func PrefixKeys(ctx context.Context, b KeysBucket, prefix string) ([]string, error) {
	var keys []string
	for k := range b.Keys(ctx) {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

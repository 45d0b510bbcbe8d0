// Package test exercises key-value bucket implementations.
package test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/micromdm/nanorollout/utils/kv"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TestKeysBucket runs the bucket contract tests against b.
// The bucket must start empty.
func TestKeysBucket(t *testing.T, b kv.KeysBucket) {
	ctx := context.Background()

	_, err := b.Get(ctx, "missing")
	if !errors.Is(err, kv.ErrKeyNotFound) {
		t.Fatalf("have error %v, want %v", err, kv.ErrKeyNotFound)
	}

	err = kv.GetJSON(ctx, b, "missing", new(record))
	if !errors.Is(err, kv.ErrKeyNotFound) {
		t.Fatalf("have error %v, want %v", err, kv.ErrKeyNotFound)
	}

	for _, k := range []string{"fw.b", "fw.a", "dev.1"} {
		if err = kv.SetJSON(ctx, b, k, &record{Name: k, Count: len(k)}); err != nil {
			t.Fatal(err)
		}
	}

	found, err := b.Has(ctx, "fw.a")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Error("fw.a: not found")
	}

	var r record
	if err = kv.GetJSON(ctx, b, "fw.b", &r); err != nil {
		t.Fatal(err)
	}
	if have, want := r, (record{Name: "fw.b", Count: 4}); have != want {
		t.Errorf("have %v, want %v", have, want)
	}

	keys, err := kv.PrefixKeys(ctx, b, "fw.")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := keys, []string{"fw.a", "fw.b"}; !slices.Equal(have, want) {
		t.Errorf("have %v, want %v", have, want)
	}

	keys, err = kv.PrefixKeys(ctx, b, "")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(keys), 3; have != want {
		t.Errorf("have %d keys, want %d", have, want)
	}

	if err = b.Delete(ctx, "fw.a"); err != nil {
		t.Fatal(err)
	}
	if err = b.Delete(ctx, "fw.a"); err != nil {
		t.Errorf("deleting missing key: %v", err)
	}
	found, err = b.Has(ctx, "fw.a")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("fw.a: found after delete")
	}

	// stored values are not aliased
	v := []byte("abc")
	if err = b.Set(ctx, "raw", v); err != nil {
		t.Fatal(err)
	}
	v[0] = 'x'
	got, err := b.Get(ctx, "raw")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(got), "abc"; have != want {
		t.Errorf("have %q, want %q", have, want)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err = kv.PrefixKeys(cctx, b, ""); !errors.Is(err, context.Canceled) {
		t.Errorf("have error %v, want %v", err, context.Canceled)
	}
}

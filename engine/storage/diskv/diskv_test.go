package diskv

import (
	"path/filepath"
	"strconv"
	"testing"

	"github.com/micromdm/nanorollout/engine/storage"
	"github.com/micromdm/nanorollout/engine/storage/test"
)

func TestDiskvStorage(t *testing.T) {
	dir := t.TempDir()
	i := 0
	test.TestEngineStorage(t, func() storage.AllStorage {
		i++
		return New(filepath.Join(dir, strconv.Itoa(i)))
	})
}

package diskv

import (
	"testing"

	"github.com/micromdm/nanorollout/subsystem/registry/storage"
	"github.com/micromdm/nanorollout/subsystem/registry/storage/test"
)

func TestDiskv(t *testing.T) {
	test.TestStorage(t, func() storage.Storage { return New(t.TempDir()) })
}

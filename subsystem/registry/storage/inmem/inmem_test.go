package inmem

import (
	"testing"

	"github.com/micromdm/nanorollout/subsystem/registry/storage"
	"github.com/micromdm/nanorollout/subsystem/registry/storage/test"
)

func TestInMem(t *testing.T) {
	test.TestStorage(t, func() storage.Storage { return New() })
}

package inmem

import (
	"testing"

	"github.com/micromdm/nanorollout/subsystem/firmware/storage"
	"github.com/micromdm/nanorollout/subsystem/firmware/storage/test"
)

func TestInMem(t *testing.T) {
	test.TestFirmwareStorage(t, func() storage.Storage { return New() })
}

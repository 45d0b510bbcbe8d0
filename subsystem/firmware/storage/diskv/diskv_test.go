package diskv

import (
	"testing"

	"github.com/micromdm/nanorollout/subsystem/firmware/storage"
	"github.com/micromdm/nanorollout/subsystem/firmware/storage/test"
)

func TestDiskv(t *testing.T) {
	test.TestFirmwareStorage(t, func() storage.Storage { return New(t.TempDir()) })
}

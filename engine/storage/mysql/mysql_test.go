package mysql

import (
	"context"
	"os"
	"testing"

	"github.com/micromdm/nanorollout/engine/storage"
	"github.com/micromdm/nanorollout/engine/storage/test"

	_ "github.com/go-sql-driver/mysql"
)

func TestMySQLStorage(t *testing.T) {
	testDSN := os.Getenv("NANOROLLOUT_MYSQL_STORAGE_TEST_DSN")
	if testDSN == "" {
		t.Skip("NANOROLLOUT_MYSQL_STORAGE_TEST_DSN not set")
	}

	s, err := New(context.Background(), WithDSN(testDSN), WithMaxOpenConns(4))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	// the schema is expected to have been loaded into the DSN's database.
	// IDs are randomized so the database does not need to be cleared.
	test.TestEngineStorage(t, func() storage.AllStorage { return s })
}

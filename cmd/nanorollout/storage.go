package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	storageeng "github.com/micromdm/nanorollout/engine/storage"
	storageengdiskv "github.com/micromdm/nanorollout/engine/storage/diskv"
	storageenginmem "github.com/micromdm/nanorollout/engine/storage/inmem"
	storageengmysql "github.com/micromdm/nanorollout/engine/storage/mysql"
	storageengpgsql "github.com/micromdm/nanorollout/engine/storage/pgsql"
	storagefw "github.com/micromdm/nanorollout/subsystem/firmware/storage"
	storagefwdiskv "github.com/micromdm/nanorollout/subsystem/firmware/storage/diskv"
	storagefwinmem "github.com/micromdm/nanorollout/subsystem/firmware/storage/inmem"
	storagefwmysql "github.com/micromdm/nanorollout/subsystem/firmware/storage/mysql"
	storagereg "github.com/micromdm/nanorollout/subsystem/registry/storage"
	storageregdiskv "github.com/micromdm/nanorollout/subsystem/registry/storage/diskv"
	storagereginmem "github.com/micromdm/nanorollout/subsystem/registry/storage/inmem"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
)

type storageConfig struct {
	engine   storageeng.AllStorage
	firmware storagefw.Storage
	registry storagereg.Storage

	// pool is set for the pgsql backend
	pool  *pgxpool.Pool
	close func()
}

// parseOptions parses comma-separated key or key=value options.
func parseOptions(options string) map[string]string {
	opts := make(map[string]string)
	for _, opt := range strings.Split(options, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		k, v, _ := strings.Cut(opt, "=")
		opts[k] = v
	}
	return opts
}

func parseStorage(ctx context.Context, name, dsn, options string) (*storageConfig, error) {
	opts := parseOptions(options)
	switch name {
	case "inmem":
		return &storageConfig{
			engine:   storageenginmem.New(),
			firmware: storagefwinmem.New(),
			registry: storagereginmem.New(),
		}, nil
	case "file", "diskv":
		if dsn == "" {
			dsn = "db"
		}
		return &storageConfig{
			engine:   storageengdiskv.New(dsn),
			firmware: storagefwdiskv.New(dsn),
			registry: storageregdiskv.New(dsn),
		}, nil
	case "mysql":
		myOpts := []storageengmysql.Option{storageengmysql.WithDSN(dsn)}
		if n, err := strconv.Atoi(opts["max-conns"]); err == nil {
			myOpts = append(myOpts, storageengmysql.WithMaxOpenConns(n))
		}
		eng, err := storageengmysql.New(ctx, myOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating mysql storage: %w", err)
		}
		fw, err := storagefwmysql.New(ctx, eng.DB())
		if err != nil {
			eng.Close()
			return nil, fmt.Errorf("creating mysql firmware storage: %w", err)
		}
		return &storageConfig{
			engine:   eng,
			firmware: fw,
			registry: registryStorage(opts),
			close:    eng.Close,
		}, nil
	case "pgsql":
		pgOpts := []storageengpgsql.Option{storageengpgsql.WithDSN(dsn)}
		if _, ok := opts["migrate"]; ok {
			pgOpts = append(pgOpts, storageengpgsql.WithMigrations())
		}
		eng, err := storageengpgsql.New(ctx, pgOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating pgsql storage: %w", err)
		}
		return &storageConfig{
			engine:   eng,
			firmware: storagefwinmem.New(),
			registry: registryStorage(opts),
			pool:     eng.Pool(),
			close:    eng.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown storage: %s", name)
}

// registryStorage returns the device registry storage for the SQL
// backends which keep the registry on disk if a "registry" path option is set.
func registryStorage(opts map[string]string) storagereg.Storage {
	if path := opts["registry"]; path != "" {
		return storageregdiskv.New(filepath.Clean(path))
	}
	return storagereginmem.New()
}

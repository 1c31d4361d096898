package main

import (
	"context"
	"fmt"

	"locsync/internal/config"
	"locsync/internal/credential"
	"locsync/internal/domain"
	"locsync/internal/repository/memory"
	"locsync/internal/repository/postgres"
	"locsync/internal/repository/sqlite"
	"locsync/internal/security"
)

// openStore opens the KeyValueStore selected by STORE_DRIVER.
func openStore(ctx context.Context, cfg *config.Config) (domain.KeyValueStore, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := config.NewPostgresConnection(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		repo, err := postgres.NewKVRepository(db, cfg.StoreNamespace)
		if err != nil {
			db.Close()
			return nil, err
		}
		return repo, nil

	case config.StoreMemory:
		return memory.NewKVStore(), nil

	case config.StoreSQLite:
		kv, err := sqlite.Open(ctx, cfg.SQLitePath, 0)
		if err != nil {
			return nil, err
		}
		return kv, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// sealers seals both tokens at rest when TOKEN_SEAL_KEY is set. Each token
// is bound to its own key name, so the two values cannot be swapped.
func sealers(cfg *config.Config) ([]credential.Option, error) {
	key := cfg.SealKey()
	if key == nil {
		return nil, nil
	}
	access, err := security.NewAEADSealer(key, domain.KeyAccessToken)
	if err != nil {
		return nil, err
	}
	return []credential.Option{credential.WithSealers(access, access.For(domain.KeyRefreshToken))}, nil
}

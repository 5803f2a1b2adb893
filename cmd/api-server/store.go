package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"runplane/internal/config"
	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"
	"runplane/internal/shared/storage/driver/postgres"
	"runplane/internal/shared/storage/driver/sqlite"
	"runplane/internal/shared/storage/repository"
)

// openStore 按配置选择数据库驱动并完成建表
func openStore(cfg *config.Config) (*repository.Store, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		db, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := sqlite.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return repository.NewStore(db, dialect), nil
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := postgres.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return repository.NewStore(db, dialect), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

// ensureDefaultPool 未绑定 Agent Pool 的 Workspace 回落到该池
func ensureDefaultPool(ctx context.Context, store storage.PoolStore, name string) error {
	if _, err := store.GetPoolByName(ctx, name); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	now := time.Now().UTC()
	err := store.CreatePool(ctx, &model.AgentPool{
		ID:          model.NewID(model.PrefixPool),
		Name:        name,
		Description: "Default pool for workspaces without an explicit agent pool",
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return nil
	}
	if err == nil {
		log.Printf("[pool.default.created] name=%s", name)
	}
	return err
}

package migrations

import (
	"context"
	"embed"
	"log/slog"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

var Migrations = migrate.NewMigrations()

//go:embed schema/*.sql
var sqlMigrations embed.FS

func init() {
	if err := Migrations.Discover(sqlMigrations); err != nil {
		panic(err)
	}
}

// Migrate applies pending migrations and returns how many are applied in total.
func Migrate(ctx context.Context, db *bun.DB, logger *slog.Logger) (int, error) {
	m := migrate.NewMigrator(db, Migrations)
	if err := m.Init(ctx); err != nil {
		return 0, err
	}

	if err := m.Lock(ctx); err != nil {
		return 0, err
	}
	defer func() { _ = m.Unlock(ctx) }()

	group, err := m.Migrate(ctx)
	if err != nil {
		return 0, err
	}

	if group.IsZero() {
		logger.Info("no new migrations were applied")
	} else {
		logger.Info("applied migration group", "group", group.String(), "migrations", group.Migrations.String())
	}

	migrations, err := m.AppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}
	logger.Info("total applied migrations", "count", len(migrations))

	return len(migrations), nil
}

// Rollback reverts the last applied migration group.
func Rollback(ctx context.Context, db *bun.DB, logger *slog.Logger) error {
	m := migrate.NewMigrator(db, Migrations)
	if err := m.Init(ctx); err != nil {
		return err
	}

	group, err := m.Rollback(ctx)
	if err != nil {
		return err
	}

	if group.IsZero() {
		logger.Info("no migrations to roll back")
	} else {
		logger.Info("rolled back migration group", "group", group.String())
	}

	return nil
}

package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/goliatone/go-persistence-bun"
)

var registerModels sync.Once

// RegisterModels adds the package tables to the persistence model
// registry. Call it before persistence.New.
func RegisterModels() {
	registerModels.Do(func() {
		persistence.RegisterModel((*User)(nil))
		persistence.RegisterModel((*RefreshToken)(nil))
		persistence.RegisterModel((*BlacklistedToken)(nil))
	})
}

// Migrate registers the embedded schema migrations on client and applies
// the pending ones. The same files serve postgres and sqlite.
func Migrate(ctx context.Context, client *persistence.Client) error {
	client.RegisterDialectMigrations(
		GetMigrationsFS(),
		persistence.WithDialectSourceLabel("data/sql/migrations"),
		persistence.WithValidationTargets("postgres", "sqlite"),
	)

	if err := client.ValidateDialects(ctx); err != nil {
		return fmt.Errorf("validate migrations: %w", err)
	}

	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

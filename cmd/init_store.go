//go:build !integration

package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dsi-pipeline/internal/store"
)

// initStore opens the configured store. Default builds only link SQLite;
// postgres pulls in pgx's connection pool and is opted into with the
// integration build tag (see store_postgres.go), matching how the test
// suite runs without a live database.
func initStore(_ context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "research.db"
		}
		return store.NewSQLite(dsn)
	default:
		return nil, eris.Errorf("unsupported store driver: %s (build with -tags integration for postgres)", cfg.Store.Driver)
	}
}

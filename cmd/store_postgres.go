//go:build integration

package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dsi-pipeline/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "research.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		maxConns := cfg.Store.MaxConns
		if maxConns == 0 {
			maxConns = 10
		}
		minConns := cfg.Store.MinConns
		if minConns == 0 {
			minConns = 2
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, maxConns, minConns)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

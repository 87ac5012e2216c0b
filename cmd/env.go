package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crimap/crimap-cli/internal/db"
	"github.com/crimap/crimap-cli/internal/store"
	"github.com/crimap/crimap-cli/pkg/geocode"
)

// openStore connects the pool and wraps it in the Postgres store.
// The caller owns the pool and must Close it.
func openStore(ctx context.Context) (*pgxpool.Pool, *store.PostgresStore, error) {
	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
	if err != nil {
		return nil, nil, err
	}
	return pool, store.NewPostgresStore(pool), nil
}

// newGeocoder builds the Nominatim client from config.
func newGeocoder() geocode.Client {
	return geocode.NewClient(
		geocode.WithBaseURL(cfg.Geocode.BaseURL),
		geocode.WithUserAgent(cfg.Geocode.UserAgent),
		geocode.WithRateLimit(cfg.Geocode.RateRPS),
	)
}

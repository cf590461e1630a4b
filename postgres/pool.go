package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// PoolConfig parses a connection URL into a pool configuration bounded at
// maxConns connections, with the package transport configuration applied.
// maxConns must be positive.
func PoolConfig(databaseURL string, maxConns int32) (*pgxpool.Config, error) {
	if maxConns <= 0 {
		return nil, fmt.Errorf("max pool size must be positive, got %d", maxConns)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection url: %s", sanitizeSensitiveError(err))
	}

	if cfg.ConnConfig.TLSConfig != nil {
		cfg.ConnConfig.TLSConfig = TLSClientConfig()
	}

	// Per-host fallback configs negotiate their own TLS; disable verification
	// on each of them too, leaving plaintext (nil) fallbacks untouched.
	for _, fb := range cfg.ConnConfig.Fallbacks {
		if fb.TLSConfig != nil {
			fb.TLSConfig = TLSClientConfig()
		}
	}

	cfg.MaxConns = maxConns
	cfg.MaxConnLifetime = defaultConnMaxLifetime
	cfg.MaxConnIdleTime = defaultConnMaxIdleTime

	return cfg, nil
}

// Pool opens a bounded connection pool against the database identified by
// the connection URL. Connections are created lazily, each carrying the
// verification-disabled transport configuration. Checkout, blocking on
// exhaustion, and release semantics are pgxpool's.
//
// The caller owns the returned pool and must Close it.
func Pool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := PoolConfig(databaseURL, maxConns)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %s", sanitizeSensitiveError(err))
	}

	return pool, nil
}

// MustPool is like Pool but panics on any error. Intended for short-lived
// scripts and tools where a human observes the failure.
func MustPool(ctx context.Context, databaseURL string, maxConns int32) *pgxpool.Pool {
	pool, err := Pool(ctx, databaseURL, maxConns)
	if err != nil {
		panic(err)
	}

	return pool
}

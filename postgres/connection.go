package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/dhbradshaw/dhb-postgres-heroku/log"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"

	// File system migration source, required by migrate.NewWithDatabaseInstance.
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 10
)

var (
	openFn = openDB

	unregisterFn = stdlib.UnregisterConnConfig

	resolverFn = func(primary, replica *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("create resolver: %v", recovered)
			}
		}()

		db := dbresolver.New(
			dbresolver.WithPrimaryDBs(primary),
			dbresolver.WithReplicaDBs(replica),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if db == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return db, nil
	}

	migrateFn = runMigrations
)

// Connection is a long-lived handle to a managed PostgreSQL database for
// service use, as opposed to the script-oriented Client and Pool accessors.
//
// Every connection it opens carries the verification-disabled transport
// configuration. Reads are balanced across a replica when ReplicaDSN is set;
// otherwise both roles point at the primary. Connecting is lazy: the first
// GetDB call dials, optionally runs migrations, and pings.
type Connection struct {
	// PrimaryDSN is the read/write connection URL. Required.
	PrimaryDSN string

	// ReplicaDSN is the read-only connection URL. Falls back to PrimaryDSN
	// when empty.
	ReplicaDSN string

	// DatabaseName is required when MigrationsPath is set.
	DatabaseName string

	// MigrationsPath points at a directory of golang-migrate files. Empty
	// skips the migration step entirely.
	MigrationsPath string

	// AllowMultiStatements enables multi-statement migration files.
	AllowMultiStatements bool

	Logger             log.Logger
	MaxOpenConnections int
	MaxIdleConnections int

	db          dbresolver.DB
	driverNames []string
	connected   bool
	mu          sync.RWMutex
}

func (c *Connection) initDefaults() {
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}

	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}

	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect dials the primary and replica, runs migrations when configured,
// and pings. An existing connection is closed and replaced.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

// connectLocked performs the actual connection. Caller must hold c.mu write lock.
func (c *Connection) connectLocked(ctx context.Context) error {
	c.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if c.db != nil {
		if err := c.closeLocked(); err != nil {
			c.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	c.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	// Driver config registrations opened during this attempt; released on
	// failure, handed to the connection on success.
	var names []string

	var success bool

	defer func() {
		if !success {
			unregisterNames(names)
		}
	}()

	primary, primaryName, err := openFn(c.PrimaryDSN)
	if err != nil {
		log.SafeError(c.Logger, ctx, "failed to open primary database", err, false)

		return fmt.Errorf("open primary database: %s", sanitizeSensitiveError(err))
	}

	if primaryName != "" {
		names = append(names, primaryName)
	}

	// Ensure primary is cleaned up if anything downstream fails.
	defer func() {
		if !success {
			primary.Close()
		}
	}()

	c.applyPoolLimits(primary)

	replicaDSN := c.ReplicaDSN
	if replicaDSN == "" {
		replicaDSN = c.PrimaryDSN
	}

	replica, replicaName, err := openFn(replicaDSN)
	if err != nil {
		log.SafeError(c.Logger, ctx, "failed to open replica database", err, false)

		return fmt.Errorf("open replica database: %s", sanitizeSensitiveError(err))
	}

	if replicaName != "" {
		names = append(names, replicaName)
	}

	defer func() {
		if !success {
			replica.Close()
		}
	}()

	c.applyPoolLimits(replica)

	db, err := resolverFn(primary, replica)
	if err != nil {
		c.Logger.Log(ctx, log.LevelError, "failed to create resolver", log.Err(err))

		return fmt.Errorf("create resolver: %w", err)
	}

	if c.MigrationsPath != "" {
		if err := migrateFn(primary, c.MigrationsPath, c.DatabaseName, c.AllowMultiStatements, c.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		c.Logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))

		return fmt.Errorf("ping database: %w", err)
	}

	c.db = db
	c.driverNames = names
	c.connected = true

	c.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the resolver handle, connecting lazily on first use.
func (c *Connection) GetDB(ctx context.Context) (dbresolver.DB, error) {
	c.mu.RLock()

	if c.db != nil {
		db := c.db
		c.mu.RUnlock()

		return db, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if c.db != nil {
		return c.db, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.db, nil
}

// Close releases database connection resources.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.db == nil {
		return nil
	}

	err := c.db.Close()
	c.db = nil
	c.connected = false

	// Release the driver configs registered for this connection so repeated
	// connect/close cycles do not accumulate registrations process-wide.
	unregisterNames(c.driverNames)
	c.driverNames = nil

	return err
}

func unregisterNames(names []string) {
	for _, name := range names {
		unregisterFn(name)
	}
}

// IsConnected reports whether the resolver is initialized.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

func (c *Connection) applyPoolLimits(db *sql.DB) {
	db.SetMaxOpenConns(c.MaxOpenConnections)
	db.SetMaxIdleConns(c.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

// openDB opens a database/sql handle whose connections carry the package
// transport configuration. The parsed pgx config is registered with the
// stdlib driver so sql.Open picks up the TLS override; the returned name is
// the registration handle, which the caller must unregister when done.
func openDB(dsn string) (*sql.DB, string, error) {
	cfg, err := ClientConfig(dsn)
	if err != nil {
		return nil, "", err
	}

	name := stdlib.RegisterConnConfig(cfg)

	db, err := sql.Open("pgx", name)
	if err != nil {
		stdlib.UnregisterConnConfig(name)

		return nil, "", err
	}

	return db, name, nil
}

func sanitizeMigrationsPath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	return absPath, nil
}

func runMigrations(primary *sql.DB, migrationsPath, databaseName string, allowMultiStatements bool, logger log.Logger) error {
	ctx := context.Background()

	if !identifierPattern.MatchString(databaseName) {
		return fmt.Errorf("invalid database name: %q", databaseName)
	}

	absPath, err := sanitizeMigrationsPath(migrationsPath)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to resolve migrations path", log.Err(err))

		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(absPath))
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to parse migrations url", log.Err(err))

		return fmt.Errorf("parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(primary, &migratepg.Config{
		MultiStatementEnabled: allowMultiStatements,
		DatabaseName:          databaseName,
		SchemaName:            "public",
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create migration driver", log.Err(err))

		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), databaseName, driver)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create migration instance", log.Err(err))

		return fmt.Errorf("create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(ctx, log.LevelError, "migration failed with dirty version", log.Int("version", dirtyErr.Version))

			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

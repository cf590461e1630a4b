//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/dhbradshaw/dhb-postgres-heroku/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver implements dbresolver.DB for connection lifecycle tests.
type fakeResolver struct {
	pingErr   error
	closeErr  error
	closeCall atomic.Int32
}

func (f *fakeResolver) Begin() (dbresolver.Tx, error) { return nil, nil }

func (f *fakeResolver) BeginTx(context.Context, *sql.TxOptions) (dbresolver.Tx, error) {
	return nil, nil
}

func (f *fakeResolver) Close() error {
	f.closeCall.Add(1)

	return f.closeErr
}

func (f *fakeResolver) Conn(context.Context) (dbresolver.Conn, error) { return nil, nil }

func (f *fakeResolver) Driver() driver.Driver { return nil }

func (f *fakeResolver) Exec(string, ...interface{}) (sql.Result, error) { return nil, nil }

func (f *fakeResolver) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, nil
}

func (f *fakeResolver) Ping() error { return nil }

func (f *fakeResolver) PingContext(_ context.Context) error { return f.pingErr }

func (f *fakeResolver) Prepare(string) (dbresolver.Stmt, error) { return nil, nil }

func (f *fakeResolver) PrepareContext(context.Context, string) (dbresolver.Stmt, error) {
	return nil, nil
}

func (f *fakeResolver) Query(string, ...interface{}) (*sql.Rows, error) { return nil, nil }

func (f *fakeResolver) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, nil
}

func (f *fakeResolver) QueryRow(string, ...interface{}) *sql.Row { return &sql.Row{} }

func (f *fakeResolver) QueryRowContext(context.Context, string, ...interface{}) *sql.Row {
	return &sql.Row{}
}

func (f *fakeResolver) SetConnMaxIdleTime(time.Duration) {}

func (f *fakeResolver) SetConnMaxLifetime(time.Duration) {}

func (f *fakeResolver) SetMaxIdleConns(int) {}

func (f *fakeResolver) SetMaxOpenConns(int) {}

func (f *fakeResolver) PrimaryDBs() []*sql.DB { return nil }

func (f *fakeResolver) ReplicaDBs() []*sql.DB { return nil }

func (f *fakeResolver) Stats() sql.DBStats { return sql.DBStats{} }

// lazyDB opens a database/sql handle that never dials until first use,
// suitable as an openFn stand-in.
func lazyDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("pgx", "postgres://u:p@localhost:5432/testdb?sslmode=disable")
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

// withPatchedDependencies replaces the package-level dependency functions
// for the duration of a test.
//
// WARNING: tests using this helper must NOT call t.Parallel() as it mutates
// global state.
func withPatchedDependencies(
	t *testing.T,
	open func(string) (*sql.DB, string, error),
	resolve func(*sql.DB, *sql.DB) (dbresolver.DB, error),
	migrateUp func(*sql.DB, string, string, bool, log.Logger) error,
) {
	t.Helper()

	prevOpen, prevResolve, prevMigrate := openFn, resolverFn, migrateFn

	if open != nil {
		openFn = open
	}

	if resolve != nil {
		resolverFn = resolve
	}

	if migrateUp != nil {
		migrateFn = migrateUp
	}

	t.Cleanup(func() {
		openFn, resolverFn, migrateFn = prevOpen, prevResolve, prevMigrate
	})
}

// withRecordedUnregisters captures driver config unregistrations.
func withRecordedUnregisters(t *testing.T) *[]string {
	t.Helper()

	prev := unregisterFn

	var names []string

	unregisterFn = func(name string) {
		names = append(names, name)
	}

	t.Cleanup(func() { unregisterFn = prev })

	return &names
}

//nolint:paralleltest // mutates package-level dependency functions
func TestConnectionConnectLifecycle(t *testing.T) {
	resolver := &fakeResolver{}

	withPatchedDependencies(t,
		func(string) (*sql.DB, string, error) { return lazyDB(t), "", nil },
		func(*sql.DB, *sql.DB) (dbresolver.DB, error) { return resolver, nil },
		func(*sql.DB, string, string, bool, log.Logger) error {
			t.Fatal("migrations must not run when MigrationsPath is empty")
			return nil
		},
	)

	conn := &Connection{PrimaryDSN: "postgres://u:p@localhost:5432/testdb"}

	require.NoError(t, conn.Connect(context.Background()))
	assert.True(t, conn.IsConnected())

	db, err := conn.GetDB(context.Background())
	require.NoError(t, err)
	assert.Same(t, resolver, db)

	require.NoError(t, conn.Close())
	assert.False(t, conn.IsConnected())
	assert.Equal(t, int32(1), resolver.closeCall.Load())
}

//nolint:paralleltest // mutates package-level dependency functions
func TestConnectionGetDBConnectsLazily(t *testing.T) {
	resolver := &fakeResolver{}

	withPatchedDependencies(t,
		func(string) (*sql.DB, string, error) { return lazyDB(t), "", nil },
		func(*sql.DB, *sql.DB) (dbresolver.DB, error) { return resolver, nil },
		nil,
	)

	conn := &Connection{PrimaryDSN: "postgres://u:p@localhost:5432/testdb"}
	assert.False(t, conn.IsConnected())

	db, err := conn.GetDB(context.Background())
	require.NoError(t, err)
	require.NotNil(t, db)
	assert.True(t, conn.IsConnected())

	// Second call reuses the established resolver.
	again, err := conn.GetDB(context.Background())
	require.NoError(t, err)
	assert.Same(t, db, again)

	require.NoError(t, conn.Close())
}

//nolint:paralleltest // mutates package-level dependency functions
func TestConnectionConnectFailsWhenOpenFails(t *testing.T) {
	withPatchedDependencies(t,
		func(string) (*sql.DB, string, error) { return nil, "", errors.New("open failed") },
		nil,
		nil,
	)

	conn := &Connection{PrimaryDSN: "postgres://u:p@localhost:5432/testdb"}

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open primary database")
	assert.False(t, conn.IsConnected())
}

//nolint:paralleltest // mutates package-level dependency functions
func TestConnectionConnectFailsWhenResolverFails(t *testing.T) {
	withPatchedDependencies(t,
		func(string) (*sql.DB, string, error) { return lazyDB(t), "", nil },
		func(*sql.DB, *sql.DB) (dbresolver.DB, error) { return nil, errors.New("resolver boom") },
		nil,
	)

	conn := &Connection{PrimaryDSN: "postgres://u:p@localhost:5432/testdb"}

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create resolver")
}

//nolint:paralleltest // mutates package-level dependency functions
func TestConnectionConnectFailsWhenPingFails(t *testing.T) {
	resolver := &fakeResolver{pingErr: errors.New("no route to host")}

	withPatchedDependencies(t,
		func(string) (*sql.DB, string, error) { return lazyDB(t), "", nil },
		func(*sql.DB, *sql.DB) (dbresolver.DB, error) { return resolver, nil },
		nil,
	)

	conn := &Connection{PrimaryDSN: "postgres://u:p@localhost:5432/testdb"}

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping database")
	assert.False(t, conn.IsConnected())
}

//nolint:paralleltest // mutates package-level dependency functions
func TestConnectionRunsMigrationsWhenConfigured(t *testing.T) {
	resolver := &fakeResolver{}

	var (
		migrateCalls int
		gotPath      string
		gotDBName    string
		gotMulti     bool
	)

	withPatchedDependencies(t,
		func(string) (*sql.DB, string, error) { return lazyDB(t), "", nil },
		func(*sql.DB, *sql.DB) (dbresolver.DB, error) { return resolver, nil },
		func(_ *sql.DB, path, dbName string, multi bool, _ log.Logger) error {
			migrateCalls++
			gotPath, gotDBName, gotMulti = path, dbName, multi

			return nil
		},
	)

	conn := &Connection{
		PrimaryDSN:           "postgres://u:p@localhost:5432/testdb",
		DatabaseName:         "testdb",
		MigrationsPath:       "migrations",
		AllowMultiStatements: true,
	}

	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, 1, migrateCalls)
	assert.Equal(t, "migrations", gotPath)
	assert.Equal(t, "testdb", gotDBName)
	assert.True(t, gotMulti)

	require.NoError(t, conn.Close())
}

//nolint:paralleltest // mutates package-level dependency functions
func TestConnectionMigrationFailureAborts(t *testing.T) {
	resolver := &fakeResolver{}

	withPatchedDependencies(t,
		func(string) (*sql.DB, string, error) { return lazyDB(t), "", nil },
		func(*sql.DB, *sql.DB) (dbresolver.DB, error) { return resolver, nil },
		func(*sql.DB, string, string, bool, log.Logger) error {
			return errors.New("dirty database")
		},
	)

	conn := &Connection{
		PrimaryDSN:     "postgres://u:p@localhost:5432/testdb",
		DatabaseName:   "testdb",
		MigrationsPath: "migrations",
	}

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dirty database")
	assert.False(t, conn.IsConnected())
}

//nolint:paralleltest // mutates package-level dependency functions
func TestConnectionCloseUnregistersDriverConfigs(t *testing.T) {
	resolver := &fakeResolver{}

	var opened int

	withPatchedDependencies(t,
		func(string) (*sql.DB, string, error) {
			opened++
			return lazyDB(t), fmt.Sprintf("cfg-%d", opened), nil
		},
		func(*sql.DB, *sql.DB) (dbresolver.DB, error) { return resolver, nil },
		nil,
	)

	unregistered := withRecordedUnregisters(t)

	conn := &Connection{PrimaryDSN: "postgres://u:p@localhost:5432/testdb"}

	require.NoError(t, conn.Connect(context.Background()))
	assert.Empty(t, *unregistered)

	require.NoError(t, conn.Close())
	assert.ElementsMatch(t, []string{"cfg-1", "cfg-2"}, *unregistered)

	// A reconnect cycle registers fresh configs and releases them again:
	// nothing accumulates across the lifetime of the process.
	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, conn.Close())
	assert.ElementsMatch(t, []string{"cfg-1", "cfg-2", "cfg-3", "cfg-4"}, *unregistered)
}

//nolint:paralleltest // mutates package-level dependency functions
func TestConnectionConnectFailureReleasesDriverConfigs(t *testing.T) {
	withPatchedDependencies(t,
		func(string) (*sql.DB, string, error) { return lazyDB(t), "cfg-a", nil },
		func(*sql.DB, *sql.DB) (dbresolver.DB, error) { return nil, errors.New("resolver boom") },
		nil,
	)

	unregistered := withRecordedUnregisters(t)

	conn := &Connection{PrimaryDSN: "postgres://u:p@localhost:5432/testdb"}

	require.Error(t, conn.Connect(context.Background()))
	assert.ElementsMatch(t, []string{"cfg-a", "cfg-a"}, *unregistered)
}

func TestConnectionConnectRejectsInvalidDSN(t *testing.T) {
	t.Parallel()

	conn := &Connection{PrimaryDSN: "not-a-url"}

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, conn.IsConnected())
}

func TestConnectionConnectRejectsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn := &Connection{PrimaryDSN: "postgres://u:p@localhost:5432/testdb"}

	err := conn.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context canceled")
}

func TestConnectionCloseWithoutConnect(t *testing.T) {
	t.Parallel()

	conn := &Connection{PrimaryDSN: "postgres://u:p@localhost:5432/testdb"}
	assert.NoError(t, conn.Close())
}

func TestSanitizeMigrationsPathRejectsTraversal(t *testing.T) {
	t.Parallel()

	_, err := sanitizeMigrationsPath("../../etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid migrations path")
}

func TestRunMigrationsRejectsInvalidDatabaseName(t *testing.T) {
	t.Parallel()

	err := runMigrations(nil, "migrations", "bad name!", false, log.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database name")
}

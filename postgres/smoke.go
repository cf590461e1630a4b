package postgres

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/dhbradshaw/dhb-postgres-heroku/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultSmokeTable is the table name the smoke test operates on unless
// overridden with WithTable. The historical name is deliberately unlikely
// to collide with application tables.
const DefaultSmokeTable = "person_nonconflicting"

// identifierPattern matches valid, non-quoted PostgreSQL identifiers. Table
// names are interpolated into DDL, so anything else is rejected up front.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// Querier is the minimal query surface the smoke test needs. Both *pgx.Conn
// and *pgxpool.Pool satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type smokeOptions struct {
	table  string
	out    io.Writer
	logger log.Logger
}

// SmokeOption customizes a SmokeTest run.
type SmokeOption func(*smokeOptions)

// WithTable overrides the table name the smoke test creates and drops.
func WithTable(name string) SmokeOption {
	return func(o *smokeOptions) {
		o.table = name
	}
}

// WithOutput redirects the per-row diagnostic lines. Defaults to os.Stdout.
func WithOutput(w io.Writer) SmokeOption {
	return func(o *smokeOptions) {
		o.out = w
	}
}

// WithLogger attaches a logger for step-level progress. Defaults to a no-op.
func WithLogger(logger log.Logger) SmokeOption {
	return func(o *smokeOptions) {
		o.logger = logger
	}
}

// SmokeTest validates a live handle end-to-end: create a fixed table if it
// does not exist, insert one row, read every row back printing a line per
// row, then drop the table.
//
// The sequence is strictly linear and not transactional. A failing step
// aborts immediately without rolling back earlier steps, so the table may be
// left behind if the drop fails. Safe to run repeatedly against a database
// where the table does not pre-exist.
func SmokeTest(ctx context.Context, q Querier, opts ...SmokeOption) error {
	options := smokeOptions{
		table:  DefaultSmokeTable,
		out:    os.Stdout,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	table := options.table
	if !identifierPattern.MatchString(table) {
		return fmt.Errorf("invalid table name: %q", table)
	}

	logger := options.logger

	logger.Log(ctx, log.LevelDebug, "smoke test: creating table", log.String("table", table))

	createStmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id      SERIAL PRIMARY KEY,
			name    TEXT NOT NULL,
			data    BYTEA
		)
	`, table)
	if _, err := q.Exec(ctx, createStmt); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	logger.Log(ctx, log.LevelDebug, "smoke test: inserting row")

	name := "Ferris"

	var data []byte

	insertStmt := fmt.Sprintf("INSERT INTO %s (name, data) VALUES ($1, $2)", table)
	if _, err := q.Exec(ctx, insertStmt, name, data); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}

	logger.Log(ctx, log.LevelDebug, "smoke test: reading rows back")

	if err := readRows(ctx, q, table, options.out); err != nil {
		return err
	}

	logger.Log(ctx, log.LevelDebug, "smoke test: dropping table")

	if _, err := q.Exec(ctx, fmt.Sprintf("DROP TABLE %s", table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}

	logger.Log(ctx, log.LevelInfo, "smoke test passed", log.String("table", table))

	return nil
}

func readRows(ctx context.Context, q Querier, table string, out io.Writer) error {
	rows, err := q.Query(ctx, fmt.Sprintf("SELECT id, name, data FROM %s", table))
	if err != nil {
		return fmt.Errorf("select from %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int32
			name string
			data []byte
		)

		if err := rows.Scan(&id, &name, &data); err != nil {
			return fmt.Errorf("scan row from %s: %w", table, err)
		}

		fmt.Fprintf(out, "found %s: %d %s %v\n", table, id, name, data)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("read rows from %s: %w", table, err)
	}

	return nil
}

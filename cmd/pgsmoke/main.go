// Command pgsmoke validates connectivity to a managed PostgreSQL database by
// opening a client (or bounded pool) with certificate verification disabled
// and running the fixed diagnostic smoke test: create table, insert a row,
// read rows back, drop the table.
//
// Any failure exits with a non-zero status and a message naming the failed
// operation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dhbradshaw/dhb-postgres-heroku/log"
	"github.com/dhbradshaw/dhb-postgres-heroku/postgres"
	zaplog "github.com/dhbradshaw/dhb-postgres-heroku/zap"
	"github.com/spf13/cobra"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	databaseURL string
	usePool     bool
	maxConns    int32
	table       string
	logLevel    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pgsmoke",
		Short: "Smoke-test a managed PostgreSQL database over self-signed TLS",
		Long: `pgsmoke connects to a managed PostgreSQL database whose provider requires
TLS but serves self-signed certificates (encryption on, peer verification
off), then runs a fixed diagnostic sequence: create table, insert one row,
read all rows back, drop the table.

The connection URL is taken from --url or the DATABASE_URL environment
variable.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	rootCmd.Flags().StringVarP(&databaseURL, "url", "u", "", "connection URL (defaults to DATABASE_URL)")
	rootCmd.Flags().BoolVar(&usePool, "pool", false, "connect through a bounded pool instead of a single client")
	rootCmd.Flags().Int32Var(&maxConns, "max-conns", 5, "maximum pool size (with --pool)")
	rootCmd.Flags().StringVar(&table, "table", postgres.DefaultSmokeTable, "table name the smoke test creates and drops")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pgsmoke: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	url := databaseURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}

	if url == "" {
		return fmt.Errorf("no connection URL: pass --url or set DATABASE_URL")
	}

	logger, err := zaplog.New(zaplog.Config{
		Environment:     zaplog.EnvironmentLocal,
		Level:           logLevel,
		OTelLibraryName: "pgsmoke",
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	defer func() { _ = logger.Sync(context.Background()) }()

	opts := []postgres.SmokeOption{
		postgres.WithTable(table),
		postgres.WithLogger(logger),
	}

	if usePool {
		logger.Log(ctx, log.LevelInfo, "opening pool", log.Int("max_conns", int(maxConns)))

		pool, err := postgres.Pool(ctx, url, maxConns)
		if err != nil {
			return err
		}

		defer pool.Close()

		return postgres.SmokeTest(ctx, pool, opts...)
	}

	logger.Log(ctx, log.LevelInfo, "opening client")

	conn, err := postgres.Client(ctx, url)
	if err != nil {
		return err
	}

	defer func() { _ = conn.Close(ctx) }()

	return postgres.SmokeTest(ctx, conn, opts...)
}

package postgres

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

var (
	connStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// ClientConfig parses a connection URL and applies the package transport
// configuration to it.
//
// When the URL's sslmode calls for TLS (the driver default), the parsed
// TLS settings are replaced with TLSClientConfig so verification is
// disabled regardless of what the URL requested. An explicit
// sslmode=disable is passed through untouched, matching the negotiation
// semantics of drivers that treat TLS as preferred rather than forced.
func ClientConfig(databaseURL string) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection url: %s", sanitizeSensitiveError(err))
	}

	if cfg.TLSConfig != nil {
		cfg.TLSConfig = TLSClientConfig()
	}

	// Multi-host URLs and sslmode=prefer produce per-host fallback configs,
	// each carrying its own TLS settings. Verification must stay disabled on
	// every path that negotiates TLS; nil entries are plaintext fallbacks and
	// stay plaintext.
	for _, fb := range cfg.Fallbacks {
		if fb.TLSConfig != nil {
			fb.TLSConfig = TLSClientConfig()
		}
	}

	return cfg, nil
}

// Client opens a single connection to the database identified by the
// connection URL, performing the handshake and authentication with
// certificate verification disabled.
//
// The caller owns the returned connection and must Close it.
func Client(ctx context.Context, databaseURL string) (*pgx.Conn, error) {
	cfg, err := ClientConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %s", sanitizeSensitiveError(err))
	}

	return conn, nil
}

// MustClient is like Client but panics on any error: bad URL, unreachable
// network, rejected credentials. Intended for short-lived scripts and tools
// where a human observes the failure.
func MustClient(ctx context.Context, databaseURL string) *pgx.Conn {
	conn, err := Client(ctx, databaseURL)
	if err != nil {
		panic(err)
	}

	return conn
}

// sanitizeSensitiveError strips credentials that drivers echo back inside
// error text, so wrapped errors are safe to log.
func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

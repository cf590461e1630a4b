// Package postgres provides connection helpers for managed PostgreSQL
// providers (Heroku and similar) that require TLS but present self-signed
// certificates.
//
// The helpers enable encryption while disabling peer-certificate
// verification, open single clients or bounded pools from a connection URL,
// run a fixed diagnostic smoke test against a live handle, and maintain a
// service-grade connection with primary/replica resolution and schema
// migrations.
package postgres

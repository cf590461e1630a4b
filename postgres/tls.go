package postgres

import "crypto/tls"

// TLSClientConfig returns the transport configuration used for every
// connection opened by this package: encryption enabled, peer-certificate
// verification disabled.
//
// Providers such as Heroku require TLS but terminate it with self-signed
// certificates, so verification must stay off for the handshake to succeed.
// Verification is disabled unconditionally; there is no option to re-enable
// it. Callers who control their certificate chain should connect with plain
// pgx instead.
//
// A fresh value is returned on every call so callers can mutate their copy
// without affecting others.
func TLSClientConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, //nolint:gosec // the whole point of this package
	}
}

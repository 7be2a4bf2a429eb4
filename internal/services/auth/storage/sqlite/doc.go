// Package sqlite provides SQLite-backed identity persistence.
//
// It is the default on-disk store for users, the authorization ledger,
// identifier mappings and access tokens. Every operation runs either in
// autocommit mode on Store or inside WithinTx on the same query code.
package sqlite

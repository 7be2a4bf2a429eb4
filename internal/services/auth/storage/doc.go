// Package storage defines persistence contracts for identity records, the
// authorization ledger and identifier mappings.
//
// These interfaces exist so the engine can depend on stable domain semantics
// without coupling to SQLite schema details. Every store operation is also
// available inside a transaction (Tx) so a multi-entity write commits or
// rolls back as one unit.
package storage

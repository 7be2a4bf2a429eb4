// Package auth is the identity provider: it decides what a user must enter
// or authorize for a client, stores the result atomically, and shares the
// user with each client under per-client fake ids.
//
// Subpackages:
//   - app: server wiring and lifecycle
//   - authorize: the authorization state machine and atomic write pipeline
//   - resolver: what a client's scope still needs from a user
//   - ledger: per-(client, user) grants, merges and tombstones
//   - pseudonym: fake id minting and lookup
//   - status: the read-user diff report
//   - account: profile maintenance, entity deletion and test accounts
//   - oauth: HTTP endpoints and access tokens
//   - session: Redis-backed browser sessions
//   - storage: persistence interfaces and SQLite implementations
//   - user, scope, client, grant, phone: domain records and vocabulary
package auth

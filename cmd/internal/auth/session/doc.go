// Package session implements warden's renewal-credential lifecycle engine.
//
// A login issues a pair: a short-lived signed access token and an opaque
// renewal secret. Only the keyed hash of the renewal secret is stored. Each
// rotation consumes the presented credential and mints its successor in the
// same transaction, forming a lineage linked by parent_hash and
// replaced_by_hash. Presenting a consumed secret again is replay: the whole
// lineage is revoked and the caller gets ErrInvalidToken.
//
// Concurrency is optimistic. Every credential row carries a version and
// writes are conditional on it; a lost race surfaces as
// ErrConcurrencyConflict and is never retried.
//
// Access tokens are PASETO v4.public (default) or JWT HS256. They are
// stateless; revocation goes through a Denylist keyed by token id plus a
// per-user watermark.
//
// Transport (HTTP) integration lives in cmd/internal/auth/api.
package session

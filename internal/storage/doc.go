// Package storage is the persistence core of the bot: a single SQLite file
// holding the whitelist, the user directory, and an append-only event log.
//
// It owns:
//   - Schema creation and forward (additive) migration
//   - Whitelist add/remove/check with a TTL read-through cache
//   - User upsert + activity tracking
//   - Event recording and the aggregate stats derived from it
//   - CSV bulk import (append/update/replace) and export
//
// Every public operation is its own transaction or a single auto-commit
// statement; there is no cross-operation transaction state.
package storage

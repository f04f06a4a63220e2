// Package storage provides TwinStore implementations with optimistic
// concurrency.
//
// Stores are selected by location URI through TwinStoreFactory:
//
//   - memory:// keeps documents in process memory
//   - sqlite:///var/lib/hub/twins.db uses a local SQLite database with a
//     version column
//   - vault://vault.internal:8200/secret/twins uses a Vault KV v2 mount and its
//     check-and-set versions
//
// ETags are derived from the backend's version counter. ObservedStore wraps
// any store to wake up twin watchers when a document is written through it.
package storage

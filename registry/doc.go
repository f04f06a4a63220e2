// Package registry resolves modules to the symmetric keys their passwords
// are derived from.
//
// Implementations:
//   - VaultRegistry reads per-module secrets from a Vault KV v2 mount.
//   - StaticRegistry holds records in memory, loaded from a JSON file.
//   - MockRegistry is a testify mock for handler tests.
//
// kms.SimpleKMS also satisfies interfaces.ModuleRegistry by deriving keys
// from a master key instead of storing them.
package registry

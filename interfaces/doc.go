// Package interfaces defines the contracts between the device-side agent, the
// provisioning handler and their collaborators, separating them from the
// implementations.
//
// # Stores
//
// TwinStore: Optimistic-concurrency document store keyed by ModuleRef. Every
// write carries the ETag of the read it is based on and fails with
// ErrVersionConflict when another writer got there first. The empty ETag
// stands for a document that was never written. Implementations live in the
// storage package (memory, SQLite, Vault KV).
//
// TwinWatcher: Change notification for device-side subscribers. Watch blocks
// until the document moves past a known ETag.
//
// # Collaborators
//
// ModuleRegistry: Resolves a module to its ModuleRecord, including the
// long-lived symmetric key. Unknown modules yield ErrModuleNotFound.
//
// IdentityProvider: Creates or updates the external user identity. An
// implementation that cannot update may return ErrIdentityExists, which the
// handler treats as success.
//
// Signer: Signs data with a module key without exposing it, selected by
// PrimaryKeyID or SecondaryKeyID.
//
// # Types
//
//   - ModuleRef: Device and module identifiers, validated by Validate
//   - ModuleRecord: What the registry knows about a module
//   - ETag: Opaque document version token
//
// # Errors
//
// The sentinel errors are matched with errors.Is across package boundaries:
// ErrVersionConflict, ErrModuleNotFound, ErrNotReady, ErrIdentityExists,
// ErrInvalidReference, ErrBackendUnavailable and ErrInvalidLocationURI.
package interfaces

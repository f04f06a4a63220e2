package interfaces

import "errors"

var (
	// ErrVersionConflict is returned by TwinStore.Update when the document
	// changed since the supplied ETag was read.
	ErrVersionConflict = errors.New("twin document version conflict")

	// ErrModuleNotFound is returned by a ModuleRegistry for unknown modules.
	ErrModuleNotFound = errors.New("module not found in registry")

	// ErrNotReady means the identity of the module has not been created yet.
	ErrNotReady = errors.New("module identity not ready")

	// ErrIdentityExists is returned by an IdentityProvider that found the user
	// already present and does not update users in place.
	ErrIdentityExists = errors.New("identity already exists")

	ErrInvalidReference = errors.New("invalid module reference")

	// ErrBackendUnavailable wraps transport failures of remote backends.
	ErrBackendUnavailable = errors.New("backend unavailable")

	ErrInvalidLocationURI = errors.New("invalid location URI")
)

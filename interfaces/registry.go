package interfaces

import "context"

// ModuleRegistry resolves modules to their registered key material.
type ModuleRegistry interface {
	GetModule(ctx context.Context, ref ModuleRef) (*ModuleRecord, error)
}

// IdentityProvider creates or updates user identities in the external
// directory. Implementations treat an existing user as an update.
type IdentityProvider interface {
	CreateUser(ctx context.Context, userName, password, displayName string) error
}

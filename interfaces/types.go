package interfaces

import (
	"fmt"
	"strings"
)

// ModuleRef identifies a module on an edge device.
type ModuleRef struct {
	DeviceID string
	ModuleID string
}

func NewModuleRef(deviceID, moduleID string) (ModuleRef, error) {
	ref := ModuleRef{DeviceID: deviceID, ModuleID: moduleID}
	if err := ref.Validate(); err != nil {
		return ModuleRef{}, err
	}
	return ref, nil
}

// Validate rejects empty identifiers and identifiers that would be ambiguous
// when used as path segments.
func (r ModuleRef) Validate() error {
	if r.DeviceID == "" || r.ModuleID == "" {
		return fmt.Errorf("%w: empty device or module id", ErrInvalidReference)
	}
	if strings.ContainsAny(r.DeviceID, "/?#") || strings.ContainsAny(r.ModuleID, "/?#") {
		return fmt.Errorf("%w: %q/%q contains a reserved character", ErrInvalidReference, r.DeviceID, r.ModuleID)
	}
	return nil
}

func (r ModuleRef) String() string {
	return r.DeviceID + "/" + r.ModuleID
}

// ModuleRecord is what the registry knows about a module.
type ModuleRecord struct {
	Ref          ModuleRef
	GenerationID string

	// PrimaryKey is the module's long-lived symmetric key.
	PrimaryKey []byte
}

// ETag is the opaque version token of a twin document. The empty ETag
// denotes a document that has never been written.
type ETag string

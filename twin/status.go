package twin

import (
	"encoding/json"
	"fmt"
)

// IdentityStatus is the lifecycle status of a module identity as recorded in
// the desired properties of its document. The zero value means no status has
// been written yet.
type IdentityStatus string

const (
	StatusUnset                       IdentityStatus = ""
	StatusCreatingIdentity            IdentityStatus = "CreatingIdentity"
	StatusRefreshingIdentity          IdentityStatus = "RefreshingIdentity"
	StatusIdentityCreated             IdentityStatus = "IdentityCreated"
	StatusFailedWhileCreatingIdentity IdentityStatus = "FailedWhileCreatingIdentity"
	StatusInvalid                     IdentityStatus = "Invalid"
)

func (s IdentityStatus) String() string {
	if s == StatusUnset {
		return "<unset>"
	}
	return string(s)
}

// Valid reports whether s is one of the known statuses, including the unset one.
func (s IdentityStatus) Valid() bool {
	switch s {
	case StatusUnset, StatusCreatingIdentity, StatusRefreshingIdentity,
		StatusIdentityCreated, StatusFailedWhileCreatingIdentity, StatusInvalid:
		return true
	}
	return false
}

// IsInProgress reports whether a provisioning cycle is running.
func (s IdentityStatus) IsInProgress() bool {
	return s == StatusCreatingIdentity || s == StatusRefreshingIdentity
}

// IsTerminal reports whether a provisioning cycle has finished.
func (s IdentityStatus) IsTerminal() bool {
	return s == StatusIdentityCreated || s == StatusFailedWhileCreatingIdentity
}

// CanTransition reports whether a document may move from one status to
// another. In-progress statuses can be entered from anywhere, since every
// operation request starts a fresh cycle. Terminal statuses can only be
// entered from an in-progress one, with the exception of re-confirming an
// identity that is already created.
func CanTransition(from, to IdentityStatus) bool {
	switch {
	case !from.Valid() || !to.Valid():
		return false
	case to.IsInProgress():
		return true
	case to.IsTerminal():
		return from.IsInProgress() || (from == StatusIdentityCreated && to == StatusIdentityCreated)
	case to == StatusInvalid:
		return true
	}
	return false
}

func (s *IdentityStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("identity status must be a string: %w", err)
	}
	status := IdentityStatus(raw)
	if !status.Valid() {
		return fmt.Errorf("unknown identity status %q", raw)
	}
	*s = status
	return nil
}

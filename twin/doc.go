// Package twin models the per-module document shared between the authority
// and the device.
//
// The document is a JSON object with a tags section, only seen by the
// authority, and a properties section whose desired subtree is pushed to the
// device. Only the identity fields are modelled:
//
//   - tags.identityPassword: The derived password, written only when
//     diagnostic persistence is enabled
//   - properties.desired.identityStatus: The IdentityStatus of the last
//     provisioning cycle
//   - properties.desired.identityUserName: The username in the identity
//     provider
//   - properties.desired.identityConfirmed: Whether the identity was
//     confirmed by the last cycle
//
// # Preserving Content
//
// Everything else in the document belongs to other writers. Parse keeps
// unknown members verbatim and Serialize writes them back, so a
// read-modify-write cycle only changes the identity fields. A modelled field
// that was read with an explicit zero value is written back the same way.
//
// # Lifecycle
//
// IdentityStatus moves through a small state machine, checked by
// CanTransition:
//
//	any status       --StartCycle-->  CreatingIdentity, RefreshingIdentity
//	CreatingIdentity --Complete-->    IdentityCreated, FailedWhileCreatingIdentity
//	RefreshingIdentity --Complete-->  IdentityCreated, FailedWhileCreatingIdentity
//	IdentityCreated  --Complete-->    IdentityCreated
//
// StartCycle and Complete return ErrInvalidTransition for anything else and
// leave the document untouched.
//
// Malformed input is reported as a *ParseError, which wraps the underlying
// decoding error.
package twin

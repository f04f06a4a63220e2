package provisioner

// Outcome is the result of handling one event.
type Outcome int

const (
	// OutcomeDiscarded means the event was not a valid identity operation.
	OutcomeDiscarded Outcome = iota
	// OutcomeModuleNotFound means the module is not (yet) registered.
	OutcomeModuleNotFound
	// OutcomeAborted means a transient failure stopped the cycle before
	// the identity provider was called.
	OutcomeAborted
	// OutcomeIdentityCreated means the identity exists in the provider and
	// the document reports IdentityCreated.
	OutcomeIdentityCreated
	// OutcomeIdentityFailed means the provider call failed or timed out and
	// the document reports FailedWhileCreatingIdentity.
	OutcomeIdentityFailed
	// OutcomeWriteFailed means the terminal status could not be written.
	OutcomeWriteFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeModuleNotFound:
		return "module_not_found"
	case OutcomeAborted:
		return "aborted"
	case OutcomeIdentityCreated:
		return "identity_created"
	case OutcomeIdentityFailed:
		return "identity_failed"
	case OutcomeWriteFailed:
		return "write_failed"
	}
	return "unknown"
}

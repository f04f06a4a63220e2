package agent

import (
	"fmt"
	"time"

	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/twin"
)

// NotReadyError is returned by ObtainToken when the identity was not created
// within the wait window. Callers retry later; it matches
// interfaces.ErrNotReady.
type NotReadyError struct {
	Ref    interfaces.ModuleRef
	Status twin.IdentityStatus
	Waited time.Duration
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("identity of %s not created after %s (status %s)", e.Ref, e.Waited, e.Status)
}

func (e *NotReadyError) Unwrap() error {
	return interfaces.ErrNotReady
}

package interfaces

import "context"

// Signer produces HMAC-SHA256 digests with a module key the caller never
// sees, like the IoT Edge workload API.
type Signer interface {
	Sign(ctx context.Context, keyID, generationID string, payload []byte) ([]byte, error)
}

// Key identifiers understood by signers.
const (
	PrimaryKeyID   = "primary"
	SecondaryKeyID = "secondary"
)

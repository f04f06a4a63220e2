package provisioner

import "time"

const (
	DefaultCallTimeout      = 10 * time.Second
	DefaultMaxWriteAttempts = 3
)

// Config tunes the handler. Zero values fall back to the defaults.
type Config struct {
	// CallTimeout bounds every call to the registry, the twin store and the
	// identity provider, each one separately.
	CallTimeout time.Duration

	// MaxWriteAttempts is the number of compare-and-write attempts made
	// before a document update is given up.
	MaxWriteAttempts int

	// PersistDiagnosticPassword stores the derived password in the document
	// tags. Only meant for troubleshooting.
	PersistDiagnosticPassword bool
}

// DefaultConfig returns the handler configuration used for zero fields. The
// diagnostic password is not persisted.
func DefaultConfig() Config {
	return Config{
		CallTimeout:      DefaultCallTimeout,
		MaxWriteAttempts: DefaultMaxWriteAttempts,
	}
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.MaxWriteAttempts <= 0 {
		c.MaxWriteAttempts = DefaultMaxWriteAttempts
	}
	return c
}

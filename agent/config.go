package agent

import (
	"time"

	"github.com/ruteri/module-identity-provisioning/interfaces"
)

// Defaults applied by DefaultConfig and to zero Config fields.
const (
	DefaultPollInterval  = time.Second
	DefaultWaitTimeout   = 15 * time.Second
	DefaultRetryInterval = 10 * time.Second
)

// Config tunes an Agent. Zero values fall back to the defaults.
type Config struct {
	// PollInterval is how often the cached document is checked while waiting
	// for the identity to be created.
	PollInterval time.Duration

	// WaitTimeout bounds a single ObtainToken wait.
	WaitTimeout time.Duration

	// RetryInterval is the pause between ObtainToken attempts in Run.
	RetryInterval time.Duration

	// KeyID selects the module key used to sign the username.
	KeyID string

	// GenerationID is the module generation, passed to the signer.
	GenerationID string
}

// DefaultConfig returns the configuration used for zero fields, signing with
// the module's primary key.
func DefaultConfig() Config {
	return Config{
		PollInterval:  DefaultPollInterval,
		WaitTimeout:   DefaultWaitTimeout,
		RetryInterval: DefaultRetryInterval,
		KeyID:         interfaces.PrimaryKeyID,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = d.WaitTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.KeyID == "" {
		c.KeyID = d.KeyID
	}
	return c
}

package kms

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
)

// ShamirKMS holds the master key split into shares with Shamir Secret Sharing.
// The key is only reconstructed in memory once a threshold of shares has been
// submitted, after which SimpleKMS can be used.
type ShamirKMS struct {
	mu             sync.RWMutex
	masterKey      []byte
	threshold      int
	receivedShares [][]byte
}

// NewShamirKMS splits masterKey into total shares of which threshold are
// required to recover it. The returned instance is already unlocked.
func NewShamirKMS(masterKey []byte, threshold, total int) (*ShamirKMS, [][]byte, error) {
	if len(masterKey) < 32 {
		return nil, nil, errors.New("master key must be at least 32 bytes")
	}
	if threshold < 2 {
		return nil, nil, errors.New("threshold must be at least 2")
	}
	if total < threshold {
		return nil, nil, errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(masterKey, total, threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split master key: %w", err)
	}

	return &ShamirKMS{
		masterKey: append([]byte(nil), masterKey...),
		threshold: threshold,
	}, shares, nil
}

// NewShamirKMSRecovery returns a locked instance waiting for shares.
func NewShamirKMSRecovery(threshold int) (*ShamirKMS, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	return &ShamirKMS{threshold: threshold}, nil
}

// SubmitShare adds a share and attempts recovery once enough shares are in.
// It reports whether the KMS is unlocked.
func (k *ShamirKMS) SubmitShare(share []byte) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.masterKey != nil {
		return true, nil
	}
	if len(share) < 2 {
		return false, errors.New("invalid share")
	}
	for _, existing := range k.receivedShares {
		if bytes.Equal(existing, share) {
			return false, errors.New("share already submitted")
		}
	}
	k.receivedShares = append(k.receivedShares, append([]byte(nil), share...))
	if len(k.receivedShares) < k.threshold {
		return false, nil
	}

	masterKey, err := shamir.Combine(k.receivedShares)
	if err != nil {
		k.receivedShares = nil
		return false, fmt.Errorf("failed to combine shares: %w", err)
	}
	if len(masterKey) < 32 {
		k.receivedShares = nil
		return false, errors.New("recovered master key is too short")
	}
	k.masterKey = masterKey
	k.receivedShares = nil
	return true, nil
}

func (k *ShamirKMS) IsUnlocked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.masterKey != nil
}

// SimpleKMS returns the derivation KMS backed by the recovered master key.
func (k *ShamirKMS) SimpleKMS() (*SimpleKMS, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.masterKey == nil {
		return nil, errors.New("kms is locked")
	}
	return NewSimpleKMS(k.masterKey)
}

// Progress reports how many shares were submitted towards the threshold.
func (k *ShamirKMS) Progress() (received, threshold int) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.masterKey != nil {
		return k.threshold, k.threshold
	}
	return len(k.receivedShares), k.threshold
}

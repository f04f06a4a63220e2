package kms

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/module-identity-provisioning/interfaces"
	"golang.org/x/crypto/hkdf"
)

const moduleKeySize = 32

// SimpleKMS derives per-module symmetric keys from a master key. The same
// master key on the authority and in the workload emulator yields the same
// module passwords on both sides.
type SimpleKMS struct {
	masterKey []byte
}

// NewSimpleKMS creates a new instance with the provided master key.
// The master key must be at least 32 bytes long.
func NewSimpleKMS(masterKey []byte) (*SimpleKMS, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("master key must be at least 32 bytes")
	}
	return &SimpleKMS{masterKey: append([]byte(nil), masterKey...)}, nil
}

// ModuleKey derives the key of a module for the given key id.
func (k *SimpleKMS) ModuleKey(ref interfaces.ModuleRef, keyID string) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if keyID != interfaces.PrimaryKeyID && keyID != interfaces.SecondaryKeyID {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}

	info := []byte("module-key/" + keyID + "/" + ref.DeviceID + "/" + ref.ModuleID)
	key := make([]byte, moduleKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.masterKey, nil, info), key); err != nil {
		return nil, fmt.Errorf("failed to derive module key: %w", err)
	}
	return key, nil
}

// GetModule makes SimpleKMS usable as a module registry in which every
// well-formed module exists.
func (k *SimpleKMS) GetModule(_ context.Context, ref interfaces.ModuleRef) (*interfaces.ModuleRecord, error) {
	key, err := k.ModuleKey(ref, interfaces.PrimaryKeyID)
	if err != nil {
		return nil, err
	}
	return &interfaces.ModuleRecord{Ref: ref, PrimaryKey: key}, nil
}

// Sign computes HMAC-SHA256 over payload with the module's key.
func (k *SimpleKMS) Sign(ref interfaces.ModuleRef, keyID string, payload []byte) ([]byte, error) {
	key, err := k.ModuleKey(ref, keyID)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// ModuleSigner binds the KMS to one module, for in-process agents.
func (k *SimpleKMS) ModuleSigner(ref interfaces.ModuleRef) interfaces.Signer {
	return &moduleSigner{kms: k, ref: ref}
}

type moduleSigner struct {
	kms *SimpleKMS
	ref interfaces.ModuleRef
}

func (s *moduleSigner) Sign(ctx context.Context, keyID, _ string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.kms.Sign(s.ref, keyID, payload)
}

package cryptoutils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

const userNamePrefix = "iot_"

var (
	// ErrEmptyIdentifier is returned when a device or module id is empty.
	ErrEmptyIdentifier = errors.New("device and module identifiers must not be empty")

	// ErrEmptyKey is returned when a secret is requested for an empty key.
	ErrEmptyKey = errors.New("module key must not be empty")
)

// Credential is the username/password pair derived for a module identity.
type Credential struct {
	UserName string
	Password string
}

// BuildUserName returns the identity username of a module, "iot_<device>_<module>".
func BuildUserName(deviceID, moduleID string) (string, error) {
	if deviceID == "" || moduleID == "" {
		return "", ErrEmptyIdentifier
	}
	return userNamePrefix + deviceID + "_" + moduleID, nil
}

// ComputeSecret returns base64(HMAC-SHA256(key, userName)). The module key
// never leaves the caller; only the derived value does.
func ComputeSecret(key []byte, userName string) (string, error) {
	if len(key) == 0 {
		return "", ErrEmptyKey
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(userName))
	return SecretFromDigest(mac.Sum(nil)), nil
}

// SecretFromDigest encodes an HMAC digest obtained from a signing service the
// same way ComputeSecret does, so that both sides agree on the password.
func SecretFromDigest(digest []byte) string {
	return base64.StdEncoding.EncodeToString(digest)
}

// DeriveCredential derives the full credential of a module from its key.
func DeriveCredential(key []byte, deviceID, moduleID string) (Credential, error) {
	userName, err := BuildUserName(deviceID, moduleID)
	if err != nil {
		return Credential{}, err
	}
	password, err := ComputeSecret(key, userName)
	if err != nil {
		return Credential{}, err
	}
	return Credential{UserName: userName, Password: password}, nil
}

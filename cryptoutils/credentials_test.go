package cryptoutils

import (
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUserName(t *testing.T) {
	name, err := BuildUserName("dev1", "mod1")
	require.NoError(t, err)
	assert.Equal(t, "iot_dev1_mod1", name)

	_, err = BuildUserName("", "mod1")
	assert.ErrorIs(t, err, ErrEmptyIdentifier)
	_, err = BuildUserName("dev1", "")
	assert.ErrorIs(t, err, ErrEmptyIdentifier)
}

func TestComputeSecretKnownAnswer(t *testing.T) {
	secret, err := ComputeSecret([]byte("key"), "The quick brown fox jumps over the lazy dog")
	require.NoError(t, err)
	assert.Equal(t, "97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg=", secret)
}

func TestComputeSecretDeterministic(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	first, err := ComputeSecret(key, "iot_dev1_mod1")
	require.NoError(t, err)
	second, err := ComputeSecret(key, "iot_dev1_mod1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "kBGF9URUWDtLR363Zs1HBGBCRDYevKVQ/Dv7OFnBWTo=", first)

	other, err := ComputeSecret(key, "iot_dev1_mod2")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestComputeSecretEmptyKey(t *testing.T) {
	_, err := ComputeSecret(nil, "iot_dev1_mod1")
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = ComputeSecret([]byte{}, "iot_dev1_mod1")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestSecretFromDigestMatchesComputeSecret(t *testing.T) {
	key := []byte("module-primary-key")
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("iot_a_b"))

	expected, err := ComputeSecret(key, "iot_a_b")
	require.NoError(t, err)
	assert.Equal(t, expected, SecretFromDigest(mac.Sum(nil)))
}

func TestDeriveCredential(t *testing.T) {
	cred, err := DeriveCredential([]byte("key"), "dev1", "mod1")
	require.NoError(t, err)
	assert.Equal(t, "iot_dev1_mod1", cred.UserName)
	assert.NotEmpty(t, cred.Password)

	_, err = DeriveCredential(nil, "dev1", "mod1")
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = DeriveCredential([]byte("key"), "", "mod1")
	assert.ErrorIs(t, err, ErrEmptyIdentifier)
}

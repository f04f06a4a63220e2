package kms

import (
	"crypto/rand"
	"testing"

	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShamirKMS_NewShamirKMS(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)

	kms, shares, err := NewShamirKMS(masterKey, 3, 5)
	require.NoError(t, err)
	assert.Len(t, shares, 5)
	assert.True(t, kms.IsUnlocked())

	_, _, err = NewShamirKMS(masterKey, 6, 5)
	assert.Error(t, err, "threshold > total shares")
	_, _, err = NewShamirKMS(masterKey, 1, 5)
	assert.Error(t, err, "threshold < 2")
	_, _, err = NewShamirKMS(make([]byte, 16), 3, 5)
	assert.Error(t, err, "master key < 32 bytes")
}

func TestShamirKMS_Recovery(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)

	original, shares, err := NewShamirKMS(masterKey, 3, 5)
	require.NoError(t, err)

	recovering, err := NewShamirKMSRecovery(3)
	require.NoError(t, err)
	assert.False(t, recovering.IsUnlocked())
	_, err = recovering.SimpleKMS()
	assert.Error(t, err)

	unlocked, err := recovering.SubmitShare(shares[4])
	require.NoError(t, err)
	assert.False(t, unlocked)

	_, err = recovering.SubmitShare(shares[4])
	assert.Error(t, err, "duplicate share")

	unlocked, err = recovering.SubmitShare(shares[1])
	require.NoError(t, err)
	assert.False(t, unlocked)

	unlocked, err = recovering.SubmitShare(shares[2])
	require.NoError(t, err)
	assert.True(t, unlocked)

	ref := interfaces.ModuleRef{DeviceID: "dev1", ModuleID: "mod1"}
	recovered, err := recovering.SimpleKMS()
	require.NoError(t, err)
	direct, err := original.SimpleKMS()
	require.NoError(t, err)

	k1, err := recovered.ModuleKey(ref, interfaces.PrimaryKeyID)
	require.NoError(t, err)
	k2, err := direct.ModuleKey(ref, interfaces.PrimaryKeyID)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

package kms

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/ruteri/module-identity-provisioning/cryptoutils"
	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKMS(t *testing.T) *SimpleKMS {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	kms, err := NewSimpleKMS(masterKey)
	require.NoError(t, err)
	return kms
}

func TestNewSimpleKMS(t *testing.T) {
	_, err := NewSimpleKMS(make([]byte, 16))
	assert.Error(t, err)
}

func TestModuleKeyDerivation(t *testing.T) {
	kms := newTestKMS(t)
	ref := interfaces.ModuleRef{DeviceID: "dev1", ModuleID: "mod1"}

	k1, err := kms.ModuleKey(ref, interfaces.PrimaryKeyID)
	require.NoError(t, err)
	k2, err := kms.ModuleKey(ref, interfaces.PrimaryKeyID)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)

	secondary, err := kms.ModuleKey(ref, interfaces.SecondaryKeyID)
	require.NoError(t, err)
	assert.NotEqual(t, k1, secondary)

	other, err := kms.ModuleKey(interfaces.ModuleRef{DeviceID: "dev1", ModuleID: "mod2"}, interfaces.PrimaryKeyID)
	require.NoError(t, err)
	assert.NotEqual(t, k1, other)

	_, err = kms.ModuleKey(ref, "tertiary")
	assert.Error(t, err)
	_, err = kms.ModuleKey(interfaces.ModuleRef{DeviceID: "dev1"}, interfaces.PrimaryKeyID)
	assert.ErrorIs(t, err, interfaces.ErrInvalidReference)
}

func TestSignerMatchesRegistryDerivation(t *testing.T) {
	kms := newTestKMS(t)
	ref := interfaces.ModuleRef{DeviceID: "dev1", ModuleID: "mod1"}
	userName, err := cryptoutils.BuildUserName(ref.DeviceID, ref.ModuleID)
	require.NoError(t, err)

	record, err := kms.GetModule(context.Background(), ref)
	require.NoError(t, err)
	authoritySide, err := cryptoutils.ComputeSecret(record.PrimaryKey, userName)
	require.NoError(t, err)

	digest, err := kms.ModuleSigner(ref).Sign(context.Background(), interfaces.PrimaryKeyID, "gen1", []byte(userName))
	require.NoError(t, err)
	assert.Equal(t, authoritySide, cryptoutils.SecretFromDigest(digest))
}

func TestSignerHonoursCancellation(t *testing.T) {
	kms := newTestKMS(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := kms.ModuleSigner(interfaces.ModuleRef{DeviceID: "d", ModuleID: "m"}).Sign(ctx, interfaces.PrimaryKeyID, "", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

package clients

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/module-identity-provisioning/httpserver"
	"github.com/ruteri/module-identity-provisioning/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminClientUnlock(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	_, shares, err := kms.NewShamirKMS(seed, 2, 3)
	require.NoError(t, err)

	locked, err := kms.NewShamirKMSRecovery(2)
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	admin := httpserver.NewAdminHandler(locked, "s3cret", log)

	r := chi.NewRouter()
	admin.RegisterRoutes(r)
	ts := httptest.NewServer(r)
	defer ts.Close()

	ctx := context.Background()
	status, err := NewAdminClient(ts.URL, "").GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "locked", status.State)
	assert.Equal(t, 2, status.Threshold)

	_, err = NewAdminClient(ts.URL, "wrong").SubmitShare(ctx, shares[0])
	require.ErrorContains(t, err, "401")

	client := NewAdminClient(ts.URL+"/", "s3cret")
	status, err = client.SubmitShare(ctx, shares[0])
	require.NoError(t, err)
	assert.Equal(t, 1, status.Received)

	status, err = client.SubmitShare(ctx, shares[2])
	require.NoError(t, err)
	assert.Equal(t, "unlocked", status.State)

	k, err := admin.WaitForUnlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, k)
}

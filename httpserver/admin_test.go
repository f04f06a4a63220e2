package httpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/module-identity-provisioning/api"
	"github.com/ruteri/module-identity-provisioning/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submitShare(t *testing.T, url, token string, share []byte) (*http.Response, api.AdminStatusResponse) {
	t.Helper()
	body, err := json.Marshal(api.SubmitShareRequest{Share: base64.StdEncoding.EncodeToString(share)})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url+api.AdminSharePath, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var status api.AdminStatusResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	}
	return resp, status
}

func TestAdminUnlocksKMS(t *testing.T) {
	masterKey := bytes.Repeat([]byte{9}, 32)
	_, shares, err := kms.NewShamirKMS(masterKey, 2, 3)
	require.NoError(t, err)

	locked, err := kms.NewShamirKMSRecovery(2)
	require.NoError(t, err)
	admin := NewAdminHandler(locked, "s3cret", testLogger())

	srv, err := New(testConfig(), nil, admin)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, _ := submitShare(t, ts.URL, "wrong", shares[0])
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, status := submitShare(t, ts.URL, "s3cret", shares[0])
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, api.AdminStatusResponse{State: "locked", Received: 1, Threshold: 2}, status)

	resp, _ = submitShare(t, ts.URL, "s3cret", shares[0])
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	_, err = admin.WaitForUnlock(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	resp, status = submitShare(t, ts.URL, "s3cret", shares[2])
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unlocked", status.State)

	unlocked, err := admin.WaitForUnlock(context.Background())
	require.NoError(t, err)
	expected, err := kms.NewSimpleKMS(masterKey)
	require.NoError(t, err)

	got, err := unlocked.ModuleKey(testRef, "primary")
	require.NoError(t, err)
	want, err := expected.ModuleKey(testRef, "primary")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

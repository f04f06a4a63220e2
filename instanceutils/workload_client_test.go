package instanceutils

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ruteri/module-identity-provisioning/api"
	"github.com/ruteri/module-identity-provisioning/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var workloadKey = []byte("0123456789abcdef0123456789abcdef")

// fakeWorkload signs with workloadKey for keyId "primary" of module mod1.
func fakeWorkload(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/modules/mod1/genid/g1/sign", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api-version") != api.WorkloadAPIVersion {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req api.SignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Algo != api.SignAlgorithm {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.KeyID != "primary" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"unknown key"}`))
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.Data)
		require.NoError(t, err)
		mac := hmac.New(sha256.New, workloadKey)
		mac.Write(data)
		json.NewEncoder(w).Encode(api.SignResponse{Digest: base64.StdEncoding.EncodeToString(mac.Sum(nil))})
	})
	return mux
}

func TestWorkloadClientHTTP(t *testing.T) {
	ts := httptest.NewServer(fakeWorkload(t))
	defer ts.Close()

	c, err := NewWorkloadClient(ts.URL+"/", "mod1")
	require.NoError(t, err)

	digest, err := c.Sign(context.Background(), "primary", "g1", []byte("iot_dev1_mod1"))
	require.NoError(t, err)

	want, err := cryptoutils.ComputeSecret(workloadKey, "iot_dev1_mod1")
	require.NoError(t, err)
	assert.Equal(t, want, cryptoutils.SecretFromDigest(digest))

	_, err = c.Sign(context.Background(), "secondary", "g1", []byte("iot_dev1_mod1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestWorkloadClientUnixSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "workload.sock")
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(fakeWorkload(t))
	ts.Listener = l
	ts.Start()
	defer ts.Close()

	c, err := NewWorkloadClient("unix://"+socket, "mod1")
	require.NoError(t, err)

	digest, err := c.Sign(context.Background(), "primary", "g1", []byte("payload"))
	require.NoError(t, err)
	assert.Len(t, digest, sha256.Size)
}

func TestNewWorkloadClientRejectsBadURI(t *testing.T) {
	for _, uri := range []string{"ftp://workload", "unix://", "::"} {
		_, err := NewWorkloadClient(uri, "mod1")
		assert.Error(t, err, uri)
	}
	_, err := NewWorkloadClient("http://workload", "")
	assert.Error(t, err)
}

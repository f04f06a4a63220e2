package storage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/twin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	refA = interfaces.ModuleRef{DeviceID: "dev1", ModuleID: "mod1"}
	refB = interfaces.ModuleRef{DeviceID: "dev1", ModuleID: "mod2"}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVaultKV serves the subset of the KV v2 API the stores use, including
// check-and-set.
type fakeVaultKV struct {
	mu      sync.Mutex
	secrets map[string]*fakeSecret
}

type fakeSecret struct {
	data    map[string]interface{}
	version int
}

func newFakeVault(t *testing.T) (*fakeVaultKV, *api.Client) {
	kv := &fakeVaultKV{secrets: map[string]*fakeSecret{}}
	srv := httptest.NewServer(kv)
	t.Cleanup(srv.Close)

	config := api.DefaultConfig()
	config.Address = srv.URL
	client, err := api.NewClient(config)
	require.NoError(t, err)
	client.SetToken("test-token")
	return kv, client
}

func (kv *fakeVaultKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		secret, ok := kv.secrets[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors":[]}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data":     secret.data,
				"metadata": map[string]interface{}{"version": secret.version},
			},
		})
	case http.MethodPut, http.MethodPost:
		var body struct {
			Options struct {
				CAS *int `json:"cas"`
			} `json:"options"`
			Data map[string]interface{} `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"errors":["bad request"]}`))
			return
		}
		current := 0
		if secret, ok := kv.secrets[path]; ok {
			current = secret.version
		}
		if body.Options.CAS != nil && *body.Options.CAS != current {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"errors":["check-and-set parameter did not match the current version"]}`))
			return
		}
		kv.secrets[path] = &fakeSecret{data: body.Data, version: current + 1}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"version": current + 1},
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func storesUnderTest(t *testing.T) map[string]interfaces.TwinStore {
	sqliteStore, err := NewSQLiteTwinStore(filepath.Join(t.TempDir(), "twins.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	_, client := newFakeVault(t)

	return map[string]interfaces.TwinStore{
		"memory": NewMemoryTwinStore(testLogger()),
		"sqlite": sqliteStore,
		"vault":  NewVaultTwinStore(client, "secret", "twins", testLogger()),
	}
}

func creatingDocument() *twin.Document {
	doc := &twin.Document{}
	doc.StartCycle(twin.StatusCreatingIdentity)
	return doc
}

func TestTwinStoreOptimisticConcurrency(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			doc, etag, err := store.Get(ctx, refA)
			require.NoError(t, err)
			assert.Equal(t, interfaces.ETag(""), etag)
			assert.Equal(t, twin.StatusUnset, doc.Status())

			etag1, err := store.Update(ctx, refA, creatingDocument(), "")
			require.NoError(t, err)
			assert.NotEmpty(t, etag1)

			_, err = store.Update(ctx, refA, creatingDocument(), "")
			assert.ErrorIs(t, err, interfaces.ErrVersionConflict, "create-only write on existing document")

			doc, etag, err = store.Get(ctx, refA)
			require.NoError(t, err)
			assert.Equal(t, etag1, etag)
			assert.True(t, doc.CheckStatus(twin.StatusCreatingIdentity))

			require.NoError(t, doc.Complete(twin.StatusIdentityCreated, "iot_dev1_mod1"))
			etag2, err := store.Update(ctx, refA, doc, etag1)
			require.NoError(t, err)
			assert.NotEqual(t, etag1, etag2)

			_, err = store.Update(ctx, refA, doc, etag1)
			assert.ErrorIs(t, err, interfaces.ErrVersionConflict, "stale etag")

			_, err = store.Update(ctx, refA, doc, "not-a-version")
			assert.ErrorIs(t, err, interfaces.ErrVersionConflict, "malformed etag")

			doc, etag, err = store.Get(ctx, refA)
			require.NoError(t, err)
			assert.Equal(t, etag2, etag)
			assert.True(t, doc.CheckStatus(twin.StatusIdentityCreated))
			assert.Equal(t, "iot_dev1_mod1", doc.UserName())

			_, etag, err = store.Get(ctx, refB)
			require.NoError(t, err)
			assert.Empty(t, etag, "documents are independent per module")
		})
	}
}

func TestSQLiteTwinStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twins.db")
	store, err := NewSQLiteTwinStore(path, testLogger())
	require.NoError(t, err)

	etag, err := store.Update(context.Background(), refA, creatingDocument(), "")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteTwinStore(path, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	doc, got, err := reopened.Get(context.Background(), refA)
	require.NoError(t, err)
	assert.Equal(t, etag, got)
	assert.True(t, doc.CheckStatus(twin.StatusCreatingIdentity))
	assert.Equal(t, "sqlite://"+path, reopened.LocationURI())
}

func TestVaultTwinStoreLayout(t *testing.T) {
	kv, client := newFakeVault(t)
	store := NewVaultTwinStore(client, "/secret/", "/twins/", testLogger())

	_, err := store.Update(context.Background(), refA, creatingDocument(), "")
	require.NoError(t, err)

	kv.mu.Lock()
	defer kv.mu.Unlock()
	secret, ok := kv.secrets["secret/data/twins/dev1/mod1"]
	require.True(t, ok)
	assert.JSONEq(t, `{"properties":{"desired":{"identityStatus":"CreatingIdentity"}}}`, secret.data["document"].(string))
}

func TestMemoryTwinStoreHonoursContext(t *testing.T) {
	store := NewMemoryTwinStore(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.Get(ctx, refA)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.Update(ctx, refA, creatingDocument(), "")
	assert.ErrorIs(t, err, context.Canceled)
}

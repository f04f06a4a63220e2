package identityprovider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGraph struct {
	mu     sync.Mutex
	users  map[string]map[string]interface{}
	tokens int
	auth   []string
}

func (g *fakeGraph) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		g.mu.Lock()
		g.tokens++
		g.mu.Unlock()
		if r.PostForm.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"graph-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("POST /v1.0/users", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.auth = append(g.auth, r.Header.Get("Authorization"))

		var user map[string]interface{}
		json.NewDecoder(r.Body).Decode(&user)
		upn := user["userPrincipalName"].(string)
		if _, ok := g.users[upn]; ok {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"code":"Request_BadRequest","message":"Another object with the same value for property userPrincipalName already exists."}}`))
			return
		}
		g.users[upn] = user
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("PATCH /v1.0/users/{upn}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		user, ok := g.users[r.PathValue("upn")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var update map[string]interface{}
		json.NewDecoder(r.Body).Decode(&update)
		user["passwordProfile"] = update["passwordProfile"]
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newGraphFixture(t *testing.T) (*fakeGraph, *GraphProvider) {
	graph := &fakeGraph{users: map[string]map[string]interface{}{}}
	srv := httptest.NewServer(graph.handler())
	t.Cleanup(srv.Close)

	provider, err := NewGraphProvider(GraphConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		Domain:       "contoso.example",
		TokenURL:     srv.URL + "/token",
		BaseURL:      srv.URL,
	}, srv.Client(), testLogger())
	require.NoError(t, err)
	return graph, provider
}

func TestGraphProviderCreatesUser(t *testing.T) {
	graph, provider := newGraphFixture(t)

	require.NoError(t, provider.CreateUser(context.Background(), "iot_dev1_mod1", "pw1", "dev1/mod1"))

	graph.mu.Lock()
	defer graph.mu.Unlock()
	user := graph.users["iot_dev1_mod1@contoso.example"]
	require.NotNil(t, user)
	assert.Equal(t, "iot_dev1_mod1", user["mailNickname"])
	assert.Equal(t, true, user["accountEnabled"])
	assert.Equal(t, "pw1", user["passwordProfile"].(map[string]interface{})["password"])
	assert.Equal(t, []string{"Bearer graph-token"}, graph.auth)
}

func TestGraphProviderUpdatesExistingUser(t *testing.T) {
	graph, provider := newGraphFixture(t)
	ctx := context.Background()

	require.NoError(t, provider.CreateUser(ctx, "iot_dev1_mod1", "pw1", "dev1/mod1"))
	require.NoError(t, provider.CreateUser(ctx, "iot_dev1_mod1", "pw2", "dev1/mod1"))

	graph.mu.Lock()
	defer graph.mu.Unlock()
	profile := graph.users["iot_dev1_mod1@contoso.example"]["passwordProfile"].(map[string]interface{})
	assert.Equal(t, "pw2", profile["password"])
	assert.Equal(t, 1, graph.tokens, "token is cached across calls")
}

func TestGraphProviderSurfacesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"t","token_type":"Bearer","expires_in":3600}`))
			return
		}
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"Authorization_RequestDenied","message":"Insufficient privileges"}}`))
	}))
	defer srv.Close()

	provider, err := NewGraphProvider(GraphConfig{
		ClientID: "c", ClientSecret: "s", Domain: "d", TokenURL: srv.URL + "/token", BaseURL: srv.URL,
	}, srv.Client(), testLogger())
	require.NoError(t, err)

	err = provider.CreateUser(context.Background(), "iot_a_b", "pw", "a/b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Insufficient privileges")
}

func TestNewGraphProviderValidation(t *testing.T) {
	_, err := NewGraphProvider(GraphConfig{ClientID: "c", ClientSecret: "s", Domain: "d"}, nil, testLogger())
	assert.Error(t, err, "no tenant and no token URL")
	_, err = NewGraphProvider(GraphConfig{ClientID: "c", ClientSecret: "s", TenantID: "t"}, nil, testLogger())
	assert.Error(t, err, "no domain")
	_, err = NewGraphProvider(GraphConfig{TenantID: "t", Domain: "d"}, nil, testLogger())
	assert.Error(t, err, "no credentials")
	_, err = NewGraphProvider(GraphConfig{ClientID: "c", ClientSecret: "s", TenantID: "t", Domain: "d"}, nil, testLogger())
	assert.NoError(t, err)
}

func TestMemoryProvider(t *testing.T) {
	p := NewMemoryProvider(testLogger())
	ctx := context.Background()

	require.NoError(t, p.CreateUser(ctx, "iot_a_b", "pw1", "a/b"))
	require.NoError(t, p.CreateUser(ctx, "iot_a_b", "pw2", "a/b"))
	user, ok := p.Lookup("iot_a_b")
	require.True(t, ok)
	assert.Equal(t, "pw2", user.Password)

	p.RejectExisting(true)
	assert.ErrorIs(t, p.CreateUser(ctx, "iot_a_b", "pw3", "a/b"), interfaces.ErrIdentityExists)

	boom := errors.New("directory unavailable")
	p.SetFailure(boom)
	assert.ErrorIs(t, p.CreateUser(ctx, "iot_c_d", "pw", "c/d"), boom)
	assert.Equal(t, 4, p.Calls())
}

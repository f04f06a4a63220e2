package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/module-identity-provisioning/interfaces"
)

// TwinStoreFactory creates twin stores from location URIs.
type TwinStoreFactory struct {
	log *slog.Logger
}

func NewTwinStoreFactory(logger *slog.Logger) *TwinStoreFactory {
	return &TwinStoreFactory{log: logger}
}

// TwinStoreFor creates a twin store from a location URI.
//
// Supported schemes:
//   - memory:// - Process memory, lost on restart
//   - sqlite:///path/to/twins.db - Local SQLite database
//   - vault://host:port/mount/path?tls=false&token_env=VAULT_TOKEN - Vault KV v2 mount
func (sf *TwinStoreFactory) TwinStoreFor(locationURI string) (interfaces.TwinStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryTwinStore(sf.log), nil
	case "sqlite":
		return sf.createSQLiteStore(u)
	case "vault":
		return sf.createVaultStore(u)
	default:
		return nil, fmt.Errorf("%w: unsupported twin store scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// createSQLiteStore accepts both sqlite:///abs/path.db and sqlite://rel/path.db.
func (sf *TwinStoreFactory) createSQLiteStore(u *url.URL) (interfaces.TwinStore, error) {
	path := u.Host + u.Path
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite URI without a path", interfaces.ErrInvalidLocationURI)
	}
	sf.log.Debug("Creating SQLite twin store", slog.String("path", path))
	return NewSQLiteTwinStore(path, sf.log)
}

func (sf *TwinStoreFactory) createVaultStore(u *url.URL) (interfaces.TwinStore, error) {
	client, mountPath, dataPath, err := NewVaultClientFromURI(u)
	if err != nil {
		return nil, err
	}
	sf.log.Debug("Creating Vault twin store",
		slog.String("address", client.Address()),
		slog.String("mount", mountPath),
		slog.String("path", dataPath))
	return NewVaultTwinStore(client, mountPath, dataPath, sf.log), nil
}

// NewVaultClientFromURI builds a Vault client from a vault:// URI and returns
// the KV mount and the path below it. The token is read from the environment
// variable named by token_env, VAULT_TOKEN by default.
func NewVaultClientFromURI(u *url.URL) (*api.Client, string, string, error) {
	if u.Host == "" {
		return nil, "", "", fmt.Errorf("%w: vault URI without a host", interfaces.ErrInvalidLocationURI)
	}
	segments := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return nil, "", "", fmt.Errorf("%w: expected vault://host/mount/path", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	scheme := "https"
	if query.Get("tls") == "false" {
		scheme = "http"
	}

	config := api.DefaultConfig()
	config.Address = scheme + "://" + u.Host
	client, err := api.NewClient(config)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to create Vault client: %w", err)
	}

	tokenEnv := query.Get("token_env")
	if tokenEnv == "" {
		tokenEnv = "VAULT_TOKEN"
	}
	if token := os.Getenv(tokenEnv); token != "" {
		client.SetToken(token)
	}
	return client, segments[0], segments[1], nil
}

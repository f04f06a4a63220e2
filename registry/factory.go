package registry

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/storage"
)

// RegistryFor creates a module registry from a location URI.
//
// Supported schemes:
//   - file:///path/to/modules.json - StaticRegistry
//   - vault://host:port/mount/path?tls=false - VaultRegistry
//   - kms:// - keys derived by the given KMS-backed registry
func RegistryFor(locationURI string, derived interfaces.ModuleRegistry, log *slog.Logger) (interfaces.ModuleRegistry, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return LoadStaticRegistry(u.Host + u.Path)
	case "vault":
		client, mountPath, dataPath, err := storage.NewVaultClientFromURI(u)
		if err != nil {
			return nil, err
		}
		return NewVaultRegistry(client, mountPath, dataPath, log), nil
	case "kms":
		if derived == nil {
			return nil, fmt.Errorf("kms registry requested but no KMS is configured")
		}
		return derived, nil
	default:
		return nil, fmt.Errorf("%w: unsupported registry scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/module-identity-provisioning/interfaces"
)

// VaultRegistry reads module keys from a Vault KV v2 mount. Each module is a
// secret at <mount>/data/<path>/<device>/<module> holding a base64
// "primaryKey" and an optional "generationId".
type VaultRegistry struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

func NewVaultRegistry(client *api.Client, mountPath, dataPath string, log *slog.Logger) *VaultRegistry {
	return &VaultRegistry{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}
}

func (r *VaultRegistry) GetModule(ctx context.Context, ref interfaces.ModuleRef) (*interfaces.ModuleRecord, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	path := fmt.Sprintf("%s/data/%s/%s/%s", r.mountPath, r.dataPath, ref.DeviceID, ref.ModuleID)

	secret, err := r.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		r.log.Error("Failed to read module from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrModuleNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// Soft-deleted modules have metadata only.
		return nil, interfaces.ErrModuleNotFound
	}

	encodedKey, _ := data["primaryKey"].(string)
	if encodedKey == "" {
		return nil, fmt.Errorf("module %s has no primaryKey in Vault", ref)
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("module %s has a malformed primaryKey: %w", ref, err)
	}
	generationID, _ := data["generationId"].(string)

	return &interfaces.ModuleRecord{Ref: ref, GenerationID: generationID, PrimaryKey: key}, nil
}

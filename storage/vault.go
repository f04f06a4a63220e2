package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/twin"
)

// VaultTwinStore keeps documents in a Vault KV v2 mount and maps ETags to
// KV versions. Updates use the check-and-set option.
type VaultTwinStore struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultTwinStore stores documents under <mountPath>/data/<dataPath>/<device>/<module>.
func NewVaultTwinStore(client *api.Client, mountPath, dataPath string, log *slog.Logger) *VaultTwinStore {
	return &VaultTwinStore{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}
}

func (s *VaultTwinStore) secretPath(ref interfaces.ModuleRef) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", s.mountPath, s.dataPath, ref.DeviceID, ref.ModuleID)
}

func (s *VaultTwinStore) Get(ctx context.Context, ref interfaces.ModuleRef) (*twin.Document, interfaces.ETag, error) {
	path := s.secretPath(ref)
	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read twin from Vault", slog.String("path", path), "err", err)
		return nil, "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return &twin.Document{}, "", nil
	}

	version, err := kvVersion(secret.Data["metadata"])
	if err != nil {
		return nil, "", fmt.Errorf("invalid Vault metadata at %s: %w", path, err)
	}

	// A soft-deleted version has metadata but no data.
	data, _ := secret.Data["data"].(map[string]interface{})
	raw, _ := data["document"].(string)
	if raw == "" {
		return &twin.Document{}, formatETag(version), nil
	}

	doc, err := twin.Parse([]byte(raw))
	if err != nil {
		return nil, "", err
	}
	return doc, formatETag(version), nil
}

func (s *VaultTwinStore) Update(ctx context.Context, ref interfaces.ModuleRef, doc *twin.Document, etag interfaces.ETag) (interfaces.ETag, error) {
	expected, err := parseETag(etag)
	if err != nil {
		return "", err
	}
	raw, err := doc.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize document: %w", err)
	}

	path := s.secretPath(ref)
	secret, err := s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"options": map[string]interface{}{"cas": expected},
		"data":    map[string]interface{}{"document": string(raw)},
	})
	if err != nil {
		if isCASMismatch(err) {
			s.log.Debug("Twin version conflict", slog.String("path", path), slog.Uint64("expected", expected))
			return "", interfaces.ErrVersionConflict
		}
		s.log.Error("Failed to write twin to Vault", slog.String("path", path), "err", err)
		return "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil {
		return "", fmt.Errorf("empty Vault response writing %s", path)
	}

	version, err := versionNumber(secret.Data["version"])
	if err != nil {
		return "", fmt.Errorf("invalid Vault write response at %s: %w", path, err)
	}
	return formatETag(version), nil
}

func (s *VaultTwinStore) LocationURI() string {
	return fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(s.client.Address(), "https://"), "http://"), s.mountPath, s.dataPath)
}

func isCASMismatch(err error) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusBadRequest {
		return false
	}
	for _, msg := range respErr.Errors {
		if strings.Contains(msg, "check-and-set") {
			return true
		}
	}
	return false
}

func kvVersion(metadata interface{}) (uint64, error) {
	m, ok := metadata.(map[string]interface{})
	if !ok {
		return 0, errors.New("missing metadata")
	}
	return versionNumber(m["version"])
}

func versionNumber(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case json.Number:
		return strconv.ParseUint(n.String(), 10, 64)
	case float64:
		return uint64(n), nil
	case int:
		return uint64(n), nil
	}
	return 0, fmt.Errorf("unexpected version %v", v)
}

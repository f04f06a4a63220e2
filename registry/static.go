package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ruteri/module-identity-provisioning/interfaces"
)

// StaticRegistry is an in-memory registry, usually loaded from a JSON file:
//
//	{"modules": [{"deviceId": "dev1", "moduleId": "mod1", "generationId": "g1", "primaryKey": "<base64>"}]}
type StaticRegistry struct {
	mu      sync.RWMutex
	modules map[interfaces.ModuleRef]interfaces.ModuleRecord
}

type staticFile struct {
	Modules []staticModule `json:"modules"`
}

type staticModule struct {
	DeviceID     string `json:"deviceId"`
	ModuleID     string `json:"moduleId"`
	GenerationID string `json:"generationId"`
	PrimaryKey   string `json:"primaryKey"`
}

func NewStaticRegistry(records ...interfaces.ModuleRecord) *StaticRegistry {
	r := &StaticRegistry{modules: make(map[interfaces.ModuleRef]interfaces.ModuleRecord)}
	for _, record := range records {
		r.Put(record)
	}
	return r
}

// LoadStaticRegistry reads a registry file.
func LoadStaticRegistry(path string) (*StaticRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	var file staticFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}

	r := NewStaticRegistry()
	for i, m := range file.Modules {
		ref, err := interfaces.NewModuleRef(m.DeviceID, m.ModuleID)
		if err != nil {
			return nil, fmt.Errorf("module %d: %w", i, err)
		}
		key, err := base64.StdEncoding.DecodeString(m.PrimaryKey)
		if err != nil || len(key) == 0 {
			return nil, fmt.Errorf("module %s: invalid primaryKey", ref)
		}
		r.Put(interfaces.ModuleRecord{Ref: ref, GenerationID: m.GenerationID, PrimaryKey: key})
	}
	return r, nil
}

func (r *StaticRegistry) Put(record interfaces.ModuleRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record.PrimaryKey = append([]byte(nil), record.PrimaryKey...)
	r.modules[record.Ref] = record
}

func (r *StaticRegistry) GetModule(ctx context.Context, ref interfaces.ModuleRef) (*interfaces.ModuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.modules[ref]
	if !ok {
		return nil, interfaces.ErrModuleNotFound
	}
	record.PrimaryKey = append([]byte(nil), record.PrimaryKey...)
	return &record, nil
}

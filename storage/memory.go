package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/twin"
)

// MemoryTwinStore keeps documents in process memory. Documents are stored
// serialized so callers never share state with the store.
type MemoryTwinStore struct {
	mu      sync.Mutex
	entries map[interfaces.ModuleRef]memoryEntry
	log     *slog.Logger
}

type memoryEntry struct {
	data    []byte
	version uint64
}

func NewMemoryTwinStore(log *slog.Logger) *MemoryTwinStore {
	return &MemoryTwinStore{
		entries: make(map[interfaces.ModuleRef]memoryEntry),
		log:     log,
	}
}

func (s *MemoryTwinStore) Get(ctx context.Context, ref interfaces.ModuleRef) (*twin.Document, interfaces.ETag, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	entry, ok := s.entries[ref]
	s.mu.Unlock()

	if !ok {
		return &twin.Document{}, "", nil
	}
	doc, err := twin.Parse(entry.data)
	if err != nil {
		return nil, "", err
	}
	return doc, formatETag(entry.version), nil
}

func (s *MemoryTwinStore) Update(ctx context.Context, ref interfaces.ModuleRef, doc *twin.Document, etag interfaces.ETag) (interfaces.ETag, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	expected, err := parseETag(etag)
	if err != nil {
		return "", err
	}
	data, err := doc.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.entries[ref].version
	if current != expected {
		s.log.Debug("Twin version conflict",
			slog.String("module", ref.String()),
			slog.Uint64("expected", expected),
			slog.Uint64("current", current))
		return "", interfaces.ErrVersionConflict
	}
	s.entries[ref] = memoryEntry{data: data, version: current + 1}
	return formatETag(current + 1), nil
}

func (s *MemoryTwinStore) LocationURI() string {
	return "memory://"
}

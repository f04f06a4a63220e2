package storage

import (
	"context"
	"sync"
	"time"

	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/twin"
)

// ObservedStore wraps a TwinStore and wakes up watchers when a document is
// updated through it. Writes made by other processes are picked up by
// re-reading every resync interval, if one is set.
type ObservedStore struct {
	interfaces.TwinStore

	resync time.Duration

	mu      sync.Mutex
	changed map[interfaces.ModuleRef]chan struct{}
}

func NewObservedStore(store interfaces.TwinStore, resync time.Duration) *ObservedStore {
	return &ObservedStore{
		TwinStore: store,
		resync:    resync,
		changed:   make(map[interfaces.ModuleRef]chan struct{}),
	}
}

func (s *ObservedStore) Update(ctx context.Context, ref interfaces.ModuleRef, doc *twin.Document, etag interfaces.ETag) (interfaces.ETag, error) {
	newETag, err := s.TwinStore.Update(ctx, ref, doc, etag)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	if ch, ok := s.changed[ref]; ok {
		close(ch)
		delete(s.changed, ref)
	}
	s.mu.Unlock()
	return newETag, nil
}

func (s *ObservedStore) Watch(ctx context.Context, ref interfaces.ModuleRef, known interfaces.ETag) (*twin.Document, interfaces.ETag, error) {
	for {
		// Subscribe before reading so an update in between is not missed.
		ch := s.subscribe(ref)

		doc, etag, err := s.Get(ctx, ref)
		if err != nil {
			return nil, "", err
		}
		if etag != known {
			return doc, etag, nil
		}

		if err := s.wait(ctx, ch); err != nil {
			return nil, "", err
		}
	}
}

func (s *ObservedStore) wait(ctx context.Context, ch <-chan struct{}) error {
	if s.resync <= 0 {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(s.resync)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *ObservedStore) subscribe(ref interfaces.ModuleRef) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.changed[ref]
	if !ok {
		ch = make(chan struct{})
		s.changed[ref] = ch
	}
	return ch
}

package interfaces

import (
	"context"

	"github.com/ruteri/module-identity-provisioning/twin"
)

// TwinStore is an optimistic-concurrency store of per-module documents.
type TwinStore interface {
	// Get returns the current document and its ETag. A document that was
	// never written is returned empty with the empty ETag.
	Get(ctx context.Context, ref ModuleRef) (*twin.Document, ETag, error)

	// Update replaces the document if its current version matches etag and
	// returns the new ETag. An empty etag only succeeds when the document
	// does not exist yet. A mismatch yields ErrVersionConflict.
	Update(ctx context.Context, ref ModuleRef, doc *twin.Document, etag ETag) (ETag, error)

	// LocationURI identifies the backend, e.g. "sqlite:///var/lib/twins.db".
	LocationURI() string
}

// TwinWatcher delivers document changes to device-side subscribers.
type TwinWatcher interface {
	// Watch blocks until the document's ETag differs from known or ctx is
	// done, and returns the current document.
	Watch(ctx context.Context, ref ModuleRef, known ETag) (*twin.Document, ETag, error)
}

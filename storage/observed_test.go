package storage

import (
	"context"
	"testing"
	"time"

	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/twin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservedStoreReturnsImmediatelyOnNewerVersion(t *testing.T) {
	store := NewObservedStore(NewMemoryTwinStore(testLogger()), 0)
	etag, err := store.Update(context.Background(), refA, creatingDocument(), "")
	require.NoError(t, err)

	doc, got, err := store.Watch(context.Background(), refA, "")
	require.NoError(t, err)
	assert.Equal(t, etag, got)
	assert.True(t, doc.CheckStatus(twin.StatusCreatingIdentity))
}

func TestObservedStoreWakesWatcher(t *testing.T) {
	store := NewObservedStore(NewMemoryTwinStore(testLogger()), 0)
	etag, err := store.Update(context.Background(), refA, creatingDocument(), "")
	require.NoError(t, err)

	type result struct {
		doc  *twin.Document
		etag interfaces.ETag
		err  error
	}
	done := make(chan result, 1)
	go func() {
		doc, etag, err := store.Watch(context.Background(), refA, etag)
		done <- result{doc, etag, err}
	}()

	select {
	case <-done:
		t.Fatal("watch returned before the document changed")
	case <-time.After(50 * time.Millisecond):
	}

	doc, _, err := store.Get(context.Background(), refA)
	require.NoError(t, err)
	require.NoError(t, doc.Complete(twin.StatusIdentityCreated, "iot_dev1_mod1"))
	newETag, err := store.Update(context.Background(), refA, doc, etag)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, newETag, res.etag)
		assert.True(t, res.doc.CheckStatus(twin.StatusIdentityCreated))
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not observe the update")
	}
}

func TestObservedStoreWatchTimesOut(t *testing.T) {
	store := NewObservedStore(NewMemoryTwinStore(testLogger()), 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := store.Watch(ctx, refA, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestObservedStoreResyncSeesExternalWrites(t *testing.T) {
	inner := NewMemoryTwinStore(testLogger())
	store := NewObservedStore(inner, 10*time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		inner.Update(context.Background(), refA, creatingDocument(), "")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	doc, etag, err := store.Watch(ctx, refA, "")
	require.NoError(t, err)
	assert.NotEmpty(t, etag)
	assert.True(t, doc.CheckStatus(twin.StatusCreatingIdentity))
}

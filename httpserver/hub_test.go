package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/module-identity-provisioning/api"
	"github.com/ruteri/module-identity-provisioning/api/provisioner"
	"github.com/ruteri/module-identity-provisioning/eventbus"
	"github.com/ruteri/module-identity-provisioning/identityprovider"
	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/kms"
	"github.com/ruteri/module-identity-provisioning/storage"
	"github.com/ruteri/module-identity-provisioning/twin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRef = interfaces.ModuleRef{DeviceID: "dev1", ModuleID: "mod1"}

type recordingPublisher struct {
	mu     sync.Mutex
	events []api.Event
}

func (p *recordingPublisher) PublishEvent(event api.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []api.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]api.Event(nil), p.events...)
}

func newHubServer(t *testing.T, store *storage.ObservedStore, publisher eventbus.EventPublisher, extra ...RouteRegistrar) *httptest.Server {
	t.Helper()
	cfg := testConfig()
	handlers := append([]RouteRegistrar{NewHubHandler(store, store, publisher, cfg)}, extra...)
	srv, err := New(cfg, nil, handlers...)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postOperation(t *testing.T, baseURL string, ref interfaces.ModuleRef, op api.OperationType) *http.Response {
	t.Helper()
	body, err := json.Marshal(api.OperationBody{OperationType: op})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, baseURL+api.DeviceMessagesPath(ref), bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("ce-specversion", "1.0")
	req.Header.Set("ce-id", "msg-1")
	req.Header.Set("ce-source", api.DeviceMessageSource(ref))
	req.Header.Set("ce-type", api.DeviceMessageEventType)
	req.Header.Set("ce-"+api.TelemetryTypeExtension, api.OperationTelemetryType)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func getTwin(t *testing.T, url string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestDeviceMessageIsPublishedAsTelemetry(t *testing.T) {
	store := storage.NewObservedStore(storage.NewMemoryTwinStore(testLogger()), 0)
	publisher := &recordingPublisher{}
	ts := newHubServer(t, store, publisher)

	resp := postOperation(t, ts.URL, testRef, api.OperationCreateIdentity)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	events := publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, api.DeviceTelemetryEventType, events[0].EventType)
	assert.Equal(t, "test-hub", events[0].Topic)
	assert.Equal(t, "devices/dev1/modules/mod1", events[0].Subject)

	msg, err := events[0].OperationMessage()
	require.NoError(t, err)
	assert.Equal(t, testRef, msg.ModuleRef())
	assert.Equal(t, api.OperationCreateIdentity, msg.Body.OperationType)
}

func TestDeviceMessageRejectsNonCloudEvents(t *testing.T) {
	store := storage.NewObservedStore(storage.NewMemoryTwinStore(testLogger()), 0)
	publisher := &recordingPublisher{}
	ts := newHubServer(t, store, publisher)

	resp, err := http.Post(ts.URL+api.DeviceMessagesPath(testRef), "application/json", bytes.NewBufferString(`{"OperationType":"CreateIdentity"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, publisher.published())
}

func TestGetTwin(t *testing.T) {
	store := storage.NewObservedStore(storage.NewMemoryTwinStore(testLogger()), 0)
	ts := newHubServer(t, store, &recordingPublisher{})
	url := ts.URL + api.TwinPath(testRef)

	resp, body := getTwin(t, url, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `""`, resp.Header.Get("ETag"))
	assert.JSONEq(t, `{}`, string(body))

	doc := &twin.Document{}
	require.NoError(t, doc.StartCycle(twin.StatusCreatingIdentity))
	etag, err := store.Update(context.Background(), testRef, doc, "")
	require.NoError(t, err)

	resp, body = getTwin(t, url, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, etag, api.ParseETagHeader(resp.Header.Get("ETag")))
	parsed, err := twin.Parse(body)
	require.NoError(t, err)
	assert.True(t, parsed.CheckStatus(twin.StatusCreatingIdentity))

	resp, _ = getTwin(t, url, http.Header{"If-None-Match": {api.FormatETagHeader(etag)}})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp, _ = getTwin(t, url+"?etag=stale", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetTwinLongPoll(t *testing.T) {
	store := storage.NewObservedStore(storage.NewMemoryTwinStore(testLogger()), 0)
	ts := newHubServer(t, store, &recordingPublisher{})
	url := ts.URL + api.TwinPath(testRef)

	doc := &twin.Document{}
	require.NoError(t, doc.StartCycle(twin.StatusCreatingIdentity))
	etag, err := store.Update(context.Background(), testRef, doc, "")
	require.NoError(t, err)

	t.Run("times out unchanged", func(t *testing.T) {
		start := time.Now()
		resp, _ := getTwin(t, url+"?wait=100ms", http.Header{"If-None-Match": {api.FormatETagHeader(etag)}})
		assert.Equal(t, http.StatusNotModified, resp.StatusCode)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("returns on change", func(t *testing.T) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			updated := doc.Clone()
			if err := updated.Complete(twin.StatusIdentityCreated, "iot_dev1_mod1"); err == nil {
				store.Update(context.Background(), testRef, updated, etag)
			}
		}()

		resp, body := getTwin(t, url+"?wait=5s", http.Header{"If-None-Match": {api.FormatETagHeader(etag)}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		parsed, err := twin.Parse(body)
		require.NoError(t, err)
		assert.True(t, parsed.CheckStatus(twin.StatusIdentityCreated))
	})

	t.Run("rejects invalid wait", func(t *testing.T) {
		resp, _ := getTwin(t, url+"?wait=soon", http.Header{"If-None-Match": {api.FormatETagHeader(etag)}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

// A module request travels from the device endpoint over the event bus to
// the provisioning handler, and the outcome is visible on the twin endpoint.
func TestOperationRequestRoundTrip(t *testing.T) {
	log := testLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	masterKey := bytes.Repeat([]byte{7}, 32)
	simpleKMS, err := kms.NewSimpleKMS(masterKey)
	require.NoError(t, err)

	store := storage.NewObservedStore(storage.NewMemoryTwinStore(log), 0)
	directory := identityprovider.NewMemoryProvider(log)
	handler := provisioner.NewHandler(store, simpleKMS, directory, provisioner.DefaultConfig(), nil, log)

	bus, err := eventbus.NewBus(log, 0)
	require.NoError(t, err)
	bus.AddHandler("provisioner", handler.HandleMessage)
	require.NoError(t, bus.RunAsync(ctx))
	defer bus.Close()

	ts := newHubServer(t, store, bus, NewWorkloadEmulator(simpleKMS, log))

	resp := postOperation(t, ts.URL, testRef, api.OperationCreateIdentity)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	url := ts.URL + api.TwinPath(testRef) + "?wait=1s"
	etag := interfaces.ETag("")
	var doc *twin.Document
	deadline := time.Now().Add(5 * time.Second)
	for !doc.CheckStatus(twin.StatusIdentityCreated) && time.Now().Before(deadline) {
		resp, body := getTwin(t, url, http.Header{"If-None-Match": {api.FormatETagHeader(etag)}})
		if resp.StatusCode != http.StatusOK {
			continue
		}
		etag = api.ParseETagHeader(resp.Header.Get("ETag"))
		doc, err = twin.Parse(body)
		require.NoError(t, err)
	}
	require.True(t, doc.CheckStatus(twin.StatusIdentityCreated))
	assert.Equal(t, "iot_dev1_mod1", doc.UserName())

	// The device side signs the username through the workload API and ends
	// up with the password the directory holds.
	signURL := ts.URL + "/workload/dev1" + api.SignPath("mod1", "g1") + "?api-version=" + api.WorkloadAPIVersion
	signBody, err := json.Marshal(api.SignRequest{
		KeyID: interfaces.PrimaryKeyID,
		Algo:  api.SignAlgorithm,
		Data:  base64Std("iot_dev1_mod1"),
	})
	require.NoError(t, err)
	signResp, err := http.Post(signURL, "application/json", bytes.NewReader(signBody))
	require.NoError(t, err)
	defer signResp.Body.Close()
	require.Equal(t, http.StatusOK, signResp.StatusCode)

	var signed api.SignResponse
	require.NoError(t, json.NewDecoder(signResp.Body).Decode(&signed))
	user, ok := directory.Lookup("iot_dev1_mod1")
	require.True(t, ok)
	assert.Equal(t, user.Password, signed.Digest)
}

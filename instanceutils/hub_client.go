package instanceutils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/google/uuid"
	"github.com/ruteri/module-identity-provisioning/api"
	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/twin"
)

// DefaultWatchWait is how long a twin long-poll is held open by the hub
// before the client asks again.
const DefaultWatchWait = 30 * time.Second

// HubClient is the device-side transport of one module: it sends messages
// to the hub and reads or watches the module's document.
type HubClient struct {
	baseURL    string
	ref        interfaces.ModuleRef
	httpClient *http.Client
	ce         cloudevents.Client
	watchWait  time.Duration
	log        *slog.Logger
}

// NewHubClient creates a client for the hub at baseURL, e.g.
// "http://gateway.local:8080". A nil httpClient uses a client without an
// overall timeout, since twin watches are bounded by their context.
func NewHubClient(baseURL string, ref interfaces.ModuleRef, httpClient *http.Client, log *slog.Logger) (*HubClient, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid hub url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	ce, err := cloudevents.NewClientHTTP(cehttp.WithClient(*httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudevents client: %w", err)
	}

	return &HubClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		ref:        ref,
		httpClient: httpClient,
		ce:         ce,
		watchWait:  DefaultWatchWait,
		log:        log,
	}, nil
}

// WithWatchWait overrides the wait requested on twin long-polls.
func (c *HubClient) WithWatchWait(wait time.Duration) *HubClient {
	c.watchWait = wait
	return c
}

// SendOperation emits an operation message for the module. The message
// carries the telemetry type marker the provisioning handler filters on.
func (c *HubClient) SendOperation(ctx context.Context, op api.OperationType) error {
	event, err := api.NewDeviceOperationCloudEvent(c.ref, op, uuid.NewString())
	if err != nil {
		return err
	}

	ctx = cloudevents.ContextWithTarget(ctx, c.baseURL+api.DeviceMessagesPath(c.ref))
	if result := c.ce.Send(ctx, event); !cloudevents.IsACK(result) {
		return fmt.Errorf("hub did not accept operation %s: %w", op, result)
	}

	c.log.Debug("Sent operation message", slog.String("operation", string(op)), slog.String("messageID", event.ID()))
	return nil
}

// GetTwin reads the module's current document.
func (c *HubClient) GetTwin(ctx context.Context) (*twin.Document, interfaces.ETag, error) {
	doc, etag, err := c.fetchTwin(ctx, "", 0)
	if err != nil {
		return nil, "", err
	}
	if doc == nil {
		return nil, "", errors.New("hub answered an unconditional twin read with not modified")
	}
	return doc, etag, nil
}

// WatchTwin waits for the document to move past known. When the hub's wait
// runs out without a change, the returned document is nil and the ETag is
// still known.
func (c *HubClient) WatchTwin(ctx context.Context, known interfaces.ETag) (*twin.Document, interfaces.ETag, error) {
	return c.fetchTwin(ctx, known, c.watchWait)
}

func (c *HubClient) fetchTwin(ctx context.Context, known interfaces.ETag, wait time.Duration) (*twin.Document, interfaces.ETag, error) {
	target := c.baseURL + api.TwinPath(c.ref)
	if wait > 0 {
		target += "?" + url.Values{api.WaitQueryParam: []string{wait.String()}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	if wait > 0 {
		req.Header.Set("If-None-Match", api.FormatETagHeader(known))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("twin request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return nil, known, nil
	case http.StatusOK:
	default:
		return nil, "", responseError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read twin: %w", err)
	}
	doc, err := twin.Parse(body)
	if err != nil {
		return nil, "", err
	}
	return doc, api.ParseETagHeader(resp.Header.Get("ETag")), nil
}

func responseError(resp *http.Response) error {
	var body api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err == nil && body.Message != "" {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body.Message)
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}

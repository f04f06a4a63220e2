package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/ruteri/module-identity-provisioning/api"
	"github.com/ruteri/module-identity-provisioning/interfaces"
)

// TriggerClient delivers events to a provisioning server the way an external
// trigger does. It is used to replay or inject operation requests.
type TriggerClient struct {
	// ServerAddr is the base URL of the provisioning server
	ServerAddr string

	// Topic is stamped on the events built by RequestOperation.
	Topic string

	// CloudEvents sends every event as its own structured CloudEvent
	// instead of one Event Grid array.
	CloudEvents bool

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Deliver posts events to the events endpoint, as an Event Grid array or as
// structured CloudEvents when CloudEvents is set.
func (c *TriggerClient) Deliver(ctx context.Context, events ...api.Event) error {
	if !c.CloudEvents {
		body, err := json.Marshal(events)
		if err != nil {
			return err
		}
		return c.post(ctx, body, "application/json")
	}

	for _, event := range events {
		ce, err := event.ToCloudEvent()
		if err != nil {
			return fmt.Errorf("event %s: %w", event.ID, err)
		}
		body, err := json.Marshal(ce)
		if err != nil {
			return err
		}
		if err := c.post(ctx, body, cloudevents.ApplicationCloudEventsJSON); err != nil {
			return err
		}
	}
	return nil
}

func (c *TriggerClient) post(ctx context.Context, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerAddr+EventsPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(eventGridEventTypeHeader, "Notification")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not request events endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("events endpoint returned unexpected response: %d", resp.StatusCode)
		}
		return fmt.Errorf("events endpoint returned error %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}

// RequestOperation delivers an operation request on behalf of a module.
func (c *TriggerClient) RequestOperation(ctx context.Context, ref interfaces.ModuleRef, op api.OperationType) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if !op.Valid() {
		return fmt.Errorf("unknown operation type %q", op)
	}
	event, err := api.NewOperationEvent(c.Topic, ref, op)
	if err != nil {
		return err
	}
	return c.Deliver(ctx, event)
}

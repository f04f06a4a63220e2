package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/ruteri/module-identity-provisioning/interfaces"
)

const (
	// DeviceTelemetryEventType is the category of device-to-cloud telemetry
	// events.
	DeviceTelemetryEventType = "Microsoft.Devices.DeviceTelemetry"

	// SubscriptionValidationEventType is sent once when a trigger
	// subscription is created and must be answered with its code.
	SubscriptionValidationEventType = "Microsoft.EventGrid.SubscriptionValidationEvent"

	telemetryDataVersion = "1.0"
)

// Event is an Event Grid schema event.
type Event struct {
	ID              string          `json:"id"`
	Topic           string          `json:"topic,omitempty"`
	Subject         string          `json:"subject"`
	EventType       string          `json:"eventType"`
	EventTime       time.Time       `json:"eventTime"`
	Data            json.RawMessage `json:"data"`
	DataVersion     string          `json:"dataVersion"`
	MetadataVersion string          `json:"metadataVersion,omitempty"`
}

type SubscriptionValidationData struct {
	ValidationCode string `json:"validationCode"`
	ValidationURL  string `json:"validationUrl,omitempty"`
}

type SubscriptionValidationResponse struct {
	ValidationResponse string `json:"validationResponse"`
}

// NewTelemetryEvent wraps device telemetry data in an event addressed to
// the originating module.
func NewTelemetryEvent(topic string, ref interfaces.ModuleRef, data json.RawMessage) Event {
	return Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		Subject:     TelemetrySubject(ref),
		EventType:   DeviceTelemetryEventType,
		EventTime:   time.Now().UTC(),
		Data:        data,
		DataVersion: telemetryDataVersion,
	}
}

// NewOperationEvent builds a telemetry event for an operation request as the
// transport would deliver it, with the system properties filled in.
func NewOperationEvent(topic string, ref interfaces.ModuleRef, op OperationType) (Event, error) {
	body, err := json.Marshal(OperationBody{OperationType: op})
	if err != nil {
		return Event{}, err
	}
	data, err := EncodeTelemetryData(ref, map[string]string{TelemetryTypeProperty: OperationTelemetryType}, body, true)
	if err != nil {
		return Event{}, err
	}
	return NewTelemetryEvent(topic, ref, data), nil
}

func TelemetrySubject(ref interfaces.ModuleRef) string {
	return fmt.Sprintf("devices/%s/modules/%s", ref.DeviceID, ref.ModuleID)
}

// ParseEvents decodes a delivery body, which is either an array or a single
// event. Each event may use the Event Grid schema or be a structured
// CloudEvent.
//
// Elements are decoded independently so that one bad element does not cost
// the rest of the batch.
//
// Parameters:
//   - body: The raw delivery body
//
// Returns:
//   - The events that decoded
//   - One *MessageError with ReasonMalformed per element that did not decode
//   - An error if the body is empty or is not JSON at all
func ParseEvents(body []byte) ([]Event, []error, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil, fmt.Errorf("empty event delivery")
	}
	if !json.Valid(trimmed) {
		return nil, nil, fmt.Errorf("event delivery is not valid JSON")
	}
	if trimmed[0] != '[' {
		event, err := parseEvent(trimmed)
		if err != nil {
			return nil, []error{&MessageError{Reason: ReasonMalformed, Err: err}}, nil
		}
		return []Event{event}, nil, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, nil, fmt.Errorf("invalid event array: %w", err)
	}
	events := make([]Event, 0, len(raws))
	var invalid []error
	for i, raw := range raws {
		event, err := parseEvent(raw)
		if err != nil {
			invalid = append(invalid, &MessageError{Reason: ReasonMalformed, Err: fmt.Errorf("event %d: %w", i, err)})
			continue
		}
		events = append(events, event)
	}
	return events, invalid, nil
}

func parseEvent(raw []byte) (Event, error) {
	var envelope struct {
		SpecVersion string `json:"specversion"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}
	if envelope.SpecVersion != "" {
		ce := cloudevents.NewEvent()
		if err := json.Unmarshal(raw, &ce); err != nil {
			return Event{}, fmt.Errorf("invalid cloud event: %w", err)
		}
		return EventFromCloudEvent(ce), nil
	}

	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}
	return event, nil
}

// OperationMessage extracts the operation request carried by a telemetry
// event.
func (e Event) OperationMessage() (*OperationMessage, error) {
	if e.EventType != DeviceTelemetryEventType {
		return nil, &MessageError{Reason: ReasonWrongCategory, Err: fmt.Errorf("event type %q", e.EventType)}
	}
	if len(e.Data) == 0 {
		return nil, &MessageError{Reason: ReasonMalformed, Err: fmt.Errorf("event has no data")}
	}
	return ParseOperationMessage(e.Data)
}

package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ruteri/module-identity-provisioning/interfaces"
)

const (
	// TelemetryTypeProperty is the application property marking the kind of
	// a device-to-cloud message.
	TelemetryTypeProperty = "TelemetryType"

	// OperationTelemetryType marks identity operation requests.
	OperationTelemetryType = "AADModuleIdentityOperation"

	// OperationOutputName is the module output identity operations are sent on.
	OperationOutputName = "AADModuleIdentityOpOutput"

	DeviceIDSystemProperty = "iothub-connection-device-id"
	ModuleIDSystemProperty = "iothub-connection-module-id"
)

// OperationType is the identity operation requested by a device.
type OperationType string

const (
	OperationCreateIdentity  OperationType = "CreateIdentity"
	OperationRefreshIdentity OperationType = "RefreshIdentity"
)

func (o OperationType) Valid() bool {
	return o == OperationCreateIdentity || o == OperationRefreshIdentity
}

// Message rejection reasons, used in logs and metric labels.
const (
	ReasonMalformed        = "malformed"
	ReasonNotOperation     = "not_operation"
	ReasonMissingIdentity  = "missing_identity"
	ReasonUnknownOperation = "unknown_operation"
	ReasonWrongCategory    = "wrong_category"
)

// MessageError describes why an inbound message was not accepted.
type MessageError struct {
	Reason string
	Err    error
}

func (e *MessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rejected message (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("rejected message (%s)", e.Reason)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

type OperationBody struct {
	OperationType OperationType `json:"OperationType"`
}

// SystemProperties are attached by the transport from the authenticated
// connection, never by the sender.
type SystemProperties struct {
	DeviceID string `json:"iothub-connection-device-id"`
	ModuleID string `json:"iothub-connection-module-id"`
}

// OperationMessage is the device-to-cloud identity operation request as
// delivered inside a device telemetry event.
type OperationMessage struct {
	Properties       map[string]string `json:"properties"`
	SystemProperties SystemProperties  `json:"systemProperties"`
	Body             OperationBody     `json:"body"`
}

// NewOperationMessage returns a request carrying the telemetry marker. System
// properties are left for the transport to fill in.
func NewOperationMessage(op OperationType) OperationMessage {
	return OperationMessage{
		Properties: map[string]string{TelemetryTypeProperty: OperationTelemetryType},
		Body:       OperationBody{OperationType: op},
	}
}

// ParseOperationMessage decodes and validates an operation request.
func ParseOperationMessage(data []byte) (*OperationMessage, error) {
	msg := &OperationMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, &MessageError{Reason: ReasonMalformed, Err: err}
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Validate checks the telemetry marker, the routing identity and the
// operation type.
func (m *OperationMessage) Validate() error {
	if m.Properties[TelemetryTypeProperty] != OperationTelemetryType {
		return &MessageError{Reason: ReasonNotOperation}
	}
	if m.SystemProperties.DeviceID == "" || m.SystemProperties.ModuleID == "" {
		return &MessageError{Reason: ReasonMissingIdentity}
	}
	if !m.Body.OperationType.Valid() {
		return &MessageError{
			Reason: ReasonUnknownOperation,
			Err:    fmt.Errorf("operation type %q", m.Body.OperationType),
		}
	}
	return nil
}

func (m *OperationMessage) ModuleRef() interfaces.ModuleRef {
	return interfaces.ModuleRef{DeviceID: m.SystemProperties.DeviceID, ModuleID: m.SystemProperties.ModuleID}
}

// UnmarshalJSON accepts the body either as a JSON object or, for messages
// that were not sent as UTF-8 JSON, as a base64 string of the JSON body.
func (m *OperationMessage) UnmarshalJSON(data []byte) error {
	var wire struct {
		Properties       map[string]string `json:"properties"`
		SystemProperties SystemProperties  `json:"systemProperties"`
		Body             json.RawMessage   `json:"body"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Properties = wire.Properties
	m.SystemProperties = wire.SystemProperties
	m.Body = OperationBody{}

	body := []byte(wire.Body)
	if len(body) == 0 || string(body) == "null" {
		return nil
	}
	if body[0] == '"' {
		var encoded string
		if err := json.Unmarshal(body, &encoded); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("body is neither JSON nor base64: %w", err)
		}
		body = decoded
	}
	return json.Unmarshal(body, &m.Body)
}

// EncodeTelemetryData builds the data of a device telemetry event from a raw
// device message. JSON bodies are embedded, anything else is base64 encoded.
func EncodeTelemetryData(ref interfaces.ModuleRef, properties map[string]string, body []byte, isJSON bool) (json.RawMessage, error) {
	var rawBody json.RawMessage
	if isJSON && json.Valid(body) {
		rawBody = body
	} else {
		encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(body))
		if err != nil {
			return nil, err
		}
		rawBody = encoded
	}
	if properties == nil {
		properties = map[string]string{}
	}
	return json.Marshal(struct {
		Properties       map[string]string `json:"properties"`
		SystemProperties SystemProperties  `json:"systemProperties"`
		Body             json.RawMessage   `json:"body"`
	}{
		Properties:       properties,
		SystemProperties: SystemProperties{DeviceID: ref.DeviceID, ModuleID: ref.ModuleID},
		Body:             rawBody,
	})
}

package api

import (
	"encoding/json"
	"fmt"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"
	"github.com/ruteri/module-identity-provisioning/interfaces"
)

const (
	// DeviceMessageEventType is the CloudEvents type of a raw device-to-cloud
	// message sent to the hub.
	DeviceMessageEventType = "io.edge.module.message"

	// TelemetryTypeExtension carries the TelemetryType application property.
	TelemetryTypeExtension = "telemetrytype"

	// OutputNameExtension carries the module output the message was sent on.
	OutputNameExtension = "outputname"

	defaultEventSource = "/module-identity-provisioning"
)

// ToCloudEvent converts an Event Grid event into a CloudEvent.
func (e Event) ToCloudEvent() (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetSpecVersion(cloudevents.VersionV1)
	ce.SetID(e.ID)
	source := e.Topic
	if source == "" {
		source = defaultEventSource
	}
	ce.SetSource(source)
	ce.SetType(e.EventType)
	ce.SetSubject(e.Subject)
	ce.SetTime(e.EventTime)
	if err := ce.SetData(cloudevents.ApplicationJSON, []byte(e.Data)); err != nil {
		return ce, fmt.Errorf("failed to set event data: %w", err)
	}
	return ce, ce.Validate()
}

// EventFromCloudEvent converts a CloudEvent delivered by a trigger into the
// Event Grid envelope used internally.
func EventFromCloudEvent(ce cloudevents.Event) Event {
	return Event{
		ID:          ce.ID(),
		Topic:       ce.Source(),
		Subject:     ce.Subject(),
		EventType:   ce.Type(),
		EventTime:   ce.Time(),
		Data:        json.RawMessage(ce.Data()),
		DataVersion: telemetryDataVersion,
	}
}

// DeviceMessageSource is the CloudEvents source used by a module.
func DeviceMessageSource(ref interfaces.ModuleRef) string {
	return "/" + TelemetrySubject(ref)
}

// NewDeviceOperationCloudEvent builds the message a module sends to the hub to
// request an identity operation.
func NewDeviceOperationCloudEvent(ref interfaces.ModuleRef, op OperationType, id string) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(id)
	ce.SetSource(DeviceMessageSource(ref))
	ce.SetType(DeviceMessageEventType)
	ce.SetExtension(TelemetryTypeExtension, OperationTelemetryType)
	ce.SetExtension(OutputNameExtension, OperationOutputName)
	if err := ce.SetData(cloudevents.ApplicationJSON, OperationBody{OperationType: op}); err != nil {
		return ce, fmt.Errorf("failed to set operation body: %w", err)
	}
	return ce, ce.Validate()
}

// TelemetryFromDeviceMessage turns a module's CloudEvent into device
// telemetry event data. ref is the routing identity established by the
// transport; whatever the sender claims in its source is ignored.
func TelemetryFromDeviceMessage(ref interfaces.ModuleRef, ce cloudevents.Event) (json.RawMessage, error) {
	properties := map[string]string{}
	for name, value := range ce.Extensions() {
		s, err := types.ToString(value)
		if err != nil {
			continue
		}
		if name == TelemetryTypeExtension {
			name = TelemetryTypeProperty
		}
		properties[name] = s
	}

	contentType := ce.DataContentType()
	isJSON := contentType == "" || strings.HasPrefix(contentType, cloudevents.ApplicationJSON)
	return EncodeTelemetryData(ref, properties, ce.Data(), isJSON)
}

package api

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRef = interfaces.ModuleRef{DeviceID: "dev1", ModuleID: "mod1"}

func TestParseOperationMessage(t *testing.T) {
	msg, err := ParseOperationMessage([]byte(`{
		"properties": {"TelemetryType": "AADModuleIdentityOperation"},
		"systemProperties": {
			"iothub-connection-device-id": "dev1",
			"iothub-connection-module-id": "mod1"
		},
		"body": {"OperationType": "CreateIdentity"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, OperationCreateIdentity, msg.Body.OperationType)
	assert.Equal(t, testRef, msg.ModuleRef())
}

func TestParseOperationMessageBase64Body(t *testing.T) {
	body := base64.StdEncoding.EncodeToString([]byte(`{"OperationType":"RefreshIdentity"}`))
	data := `{"properties":{"TelemetryType":"AADModuleIdentityOperation"},` +
		`"systemProperties":{"iothub-connection-device-id":"dev1","iothub-connection-module-id":"mod1"},` +
		`"body":"` + body + `"}`

	msg, err := ParseOperationMessage([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, OperationRefreshIdentity, msg.Body.OperationType)
}

func TestParseOperationMessageRejections(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		reason string
	}{
		{"not json", `{`, ReasonMalformed},
		{"bad base64", `{"body":"***"}`, ReasonMalformed},
		{"missing marker", `{"properties":{},"systemProperties":{"iothub-connection-device-id":"d","iothub-connection-module-id":"m"},"body":{"OperationType":"CreateIdentity"}}`, ReasonNotOperation},
		{"other telemetry", `{"properties":{"TelemetryType":"Temperature"},"systemProperties":{"iothub-connection-device-id":"d","iothub-connection-module-id":"m"},"body":{"OperationType":"CreateIdentity"}}`, ReasonNotOperation},
		{"no module id", `{"properties":{"TelemetryType":"AADModuleIdentityOperation"},"systemProperties":{"iothub-connection-device-id":"d"},"body":{"OperationType":"CreateIdentity"}}`, ReasonMissingIdentity},
		{"unknown operation", `{"properties":{"TelemetryType":"AADModuleIdentityOperation"},"systemProperties":{"iothub-connection-device-id":"d","iothub-connection-module-id":"m"},"body":{"OperationType":"DeleteIdentity"}}`, ReasonUnknownOperation},
		{"no body", `{"properties":{"TelemetryType":"AADModuleIdentityOperation"},"systemProperties":{"iothub-connection-device-id":"d","iothub-connection-module-id":"m"}}`, ReasonUnknownOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOperationMessage([]byte(tt.data))
			var msgErr *MessageError
			require.ErrorAs(t, err, &msgErr)
			assert.Equal(t, tt.reason, msgErr.Reason)
		})
	}
}

func TestEncodeTelemetryData(t *testing.T) {
	data, err := EncodeTelemetryData(testRef, nil, []byte(`{"OperationType":"CreateIdentity"}`), true)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"properties": {},
		"systemProperties": {"iothub-connection-device-id": "dev1", "iothub-connection-module-id": "mod1"},
		"body": {"OperationType": "CreateIdentity"}
	}`, string(data))

	data, err = EncodeTelemetryData(testRef, map[string]string{TelemetryTypeProperty: OperationTelemetryType}, []byte(`{"OperationType":"CreateIdentity"}`), false)
	require.NoError(t, err)
	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, byte('"'), wire["body"][0])

	msg, err := ParseOperationMessage(data)
	require.NoError(t, err)
	assert.Equal(t, OperationCreateIdentity, msg.Body.OperationType)
}

func TestNewOperationMessageCarriesMarker(t *testing.T) {
	msg := NewOperationMessage(OperationCreateIdentity)
	assert.Equal(t, OperationTelemetryType, msg.Properties[TelemetryTypeProperty])
	assert.ErrorAs(t, msg.Validate(), new(*MessageError))

	msg.SystemProperties = SystemProperties{DeviceID: "dev1", ModuleID: "mod1"}
	assert.NoError(t, msg.Validate())
}

/*
Package api defines the wire types exchanged between modules, the hub and
the provisioning handler.

# Operation requests

A module asks for its identity by sending an OperationMessage with the
TelemetryType property set to OperationTelemetryType. The hub attaches the
device and module ids of the connection as system properties and publishes
the message as a DeviceTelemetryEventType event.

# Events

Events use the Event Grid schema. CloudEvents deliveries are converted with
EventFromCloudEvent, and devices send their messages to the hub as
CloudEvents built by NewDeviceOperationCloudEvent.

# Workload API

SignRequest and SignResponse mirror the IoT Edge workload API sign call used
to derive module passwords on the device.
*/
package api

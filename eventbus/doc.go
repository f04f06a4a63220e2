// Package eventbus moves device telemetry events from the places they
// enter the system (hub ingress, trigger endpoint, SQS) to the provisioning
// handler, over a watermill router.
package eventbus

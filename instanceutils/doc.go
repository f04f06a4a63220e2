// Package instanceutils holds what a module needs to reach its
// collaborators on a device:
//
//   - EdgeEnvironment: the IOTEDGE_* variables set by the edge runtime
//   - HubClient: operation messages to the hub, twin reads and long-poll
//     watches
//   - WorkloadClient: HMAC signing through the workload API, over a unix
//     socket or HTTP
//
// The serviceresolver subpackage finds the hub through DNS SRV records.
package instanceutils

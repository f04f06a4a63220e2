// Package httpserver serves the hub: the HTTP surface modules and operators
// talk to.
//
// Routes are contributed by RouteRegistrar implementations:
//
//   - HubHandler: device messages (CloudEvents) and module documents with
//     ETag based long-polling
//   - WorkloadEmulator: the signing endpoint of the edge workload API, for
//     setups without an edge runtime
//   - AdminHandler: share submission to unlock a Shamir-split KMS
//   - provisioner.Handler: the trigger endpoint of the authority
//
// The server adds request logging, /livez, /readyz, /drain and /undrain
// endpoints, optional pprof and a separate Prometheus metrics listener.
package httpserver

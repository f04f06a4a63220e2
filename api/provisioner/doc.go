// Package provisioner implements the authority side of module identity
// provisioning.
//
// A module asks for its identity by sending an operation request as device
// telemetry. The authority creates a user for the module in the identity
// provider, with a password derived from the module key, and publishes the
// result in the module's document. The module derives the same password on
// its side and never receives it.
//
// # Key Components
//
//   - Handler: Runs one provisioning cycle per operation request and serves
//     the POST /api/events trigger endpoint
//   - Config: Per-call timeout, compare-and-write attempts and diagnostic
//     password persistence
//   - Metrics: Prometheus counters for outcomes, discarded events, write
//     conflicts and provider failures
//   - TriggerClient: Posts events to the endpoint, as an Event Grid array or
//     as structured CloudEvents, and is used to inject requests from the
//     command line
//
// # Event Delivery
//
// Requests reach the Handler through the in-process event bus, an SQS queue
// or the trigger endpoint. The endpoint accepts an Event Grid array, a single
// event, a structured CloudEvent or a binary CloudEvent with Ce-* headers,
// and answers subscription validation events with their validation code.
// Elements of a batch that cannot be decoded are counted as discarded
// without failing the rest of the batch. With a publisher configured the
// endpoint only hands the events to the bus and answers 202 Accepted.
//
// # Provisioning Cycle
//
// For each request the Handler:
//
//  1. Validates the event category, the telemetry marker, the routing
//     identity and the operation type. Anything else is counted by reason
//     and dropped.
//  2. Loads the module record (and key) from the module registry.
//  3. Marks the module's document as CreatingIdentity or RefreshingIdentity.
//  4. Derives the username and password from the module key.
//  5. Creates or updates the user in the identity provider.
//  6. Publishes IdentityCreated or FailedWhileCreatingIdentity together with
//     the username.
//
// Every collaborator call is bounded by Config.CallTimeout. A provider call
// that fails or times out ends the cycle as FailedWhileCreatingIdentity, it
// is not retried within the cycle.
//
// # Concurrency
//
// The Handler keeps no state between events other than its metrics, so any
// number of events may be handled in parallel. Document writes use
// compare-and-write with a bounded number of attempts, re-reading the
// document after every conflict. An identity that another invocation
// already confirmed is never marked as failed.
//
// # Usage Example
//
//	handler := provisioner.NewHandler(store, registry, provider, provisioner.DefaultConfig(), metrics, logger)
//
//	// Handle deliveries within the request
//	r := chi.NewRouter()
//	handler.RegisterRoutes(r)
//
//	// Or inject a request from the command line
//	client := &provisioner.TriggerClient{ServerAddr: "http://127.0.0.1:8080"}
//	err := client.RequestOperation(ctx, ref, api.OperationCreateIdentity)
package provisioner

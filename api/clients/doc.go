// Package clients contains HTTP clients for the operator-facing APIs of the
// provisioning server.
package clients

// Package serviceresolver locates the hub a module should talk to through DNS
// SRV records, so that devices only need to know a service name such as
// _hub._tcp.edge.example.net.
package serviceresolver

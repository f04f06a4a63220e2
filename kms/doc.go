// Package kms derives module key material.
//
// SimpleKMS turns one master key into per-module primary and secondary keys
// with HKDF-SHA256. It serves as a module registry for the provisioning
// handler and as the key store behind the workload API emulator, so both
// sides of the protocol compute identical passwords.
//
// ShamirKMS keeps the master key split among administrators and
// reconstructs it once a threshold of shares is submitted.
package kms

// Package cryptoutils derives module identity credentials.
//
// The username of a module is "iot_<deviceId>_<moduleId>" and its password is
// base64(HMAC-SHA256(moduleKey, username)). The authority computes it from
// the registered key; devices get the same digest from the workload API.
package cryptoutils

// Package identityprovider creates the directory users that module
// identities are exchanged for.
//
// GraphProvider talks to the Microsoft Graph users API with an OAuth2 client
// credentials token. MemoryProvider keeps users in memory and can be told to
// fail, for development hubs and tests.
package identityprovider

// Package authkit is the OAuth authentication and session-security
// subsystem of the Willow companion app. It executes the OAuth2
// authorization-code flow against a pluggable identity provider, protects
// it with signed single-use state values and per-fingerprint rate limits,
// encrypts provider tokens at rest, and maintains tamper-resistant
// sessions with idle and absolute expiry.
//
// The rest of the application consumes three surfaces only: Authenticator
// (login, callback, logout, access-token retrieval), SessionGuard.Validate
// (request authentication), and the HTTP Handler adapter.
package authkit

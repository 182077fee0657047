// ABOUTME: Package grant issues and stores single-use connection credentials.
// ABOUTME: Covers the TTL grant store and the per-source issuance rate window.

// Package grant provides the credential primitives for connection
// admission: an in-memory TTL store of single-use grants and a
// fixed-window limiter capping issuance frequency per source identity.
package grant

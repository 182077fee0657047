// ABOUTME: Package rpc implements the per-connection protocol engine.
// ABOUTME: Request/response/notification envelope over WebSocket transport.

// Package rpc drives the gateway's wire protocol: a JSON envelope tagged
// "protocol":"2.0" carrying requests, responses, and notifications. Each
// connection runs a state machine (Connected, Initialized, Closed) with
// concurrent, id-correlated request dispatch. Only transport failures and
// protocol violations are connection-fatal; business-logic failures come
// back as structured per-request errors.
package rpc

// Package gateway wires the relay-gateway components into one HTTP server.
//
// # Overview
//
// The gateway exposes four routes:
//
//   - POST /auth: mint a single-use connection credential (rate limited
//     per source, with an optional JWT operator bypass)
//   - GET /ws/{credential}: WebSocket upgrade; the credential is consumed
//     at admission and the RPC engine serves the connection
//   - GET /status: live connection count, uptime, and version
//   - GET /health: liveness probe
//
// Admission failures surface as application WebSocket close codes after the
// upgrade, not as HTTP statuses: 4003 for invalid, expired, or already-used
// credentials, 1013 when the registry is at capacity.
//
// # Lifecycle
//
// New builds every component from config. Run listens and blocks until the
// context is cancelled, then Shutdown stops the HTTP server, cancels
// serving connections (which drain within the engine's close grace), and
// flushes the usage sink.
package gateway

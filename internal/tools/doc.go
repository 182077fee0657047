// ABOUTME: Package tools dispatches named tool invocations to handlers.
// ABOUTME: Arguments are schema-validated before any handler runs.

// Package tools implements the tool dispatcher: a static name-to-handler
// registry with JSON Schema argument validation, per-call timeouts, and
// panic isolation so a misbehaving handler never takes down the
// connection that invoked it.
package tools

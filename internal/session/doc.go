// ABOUTME: Package session admits upgrades and tracks live connections.
// ABOUTME: Enforces one-time grant consumption at admission.

package session

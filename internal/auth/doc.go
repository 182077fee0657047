// ABOUTME: Package auth implements the admission controller.
// ABOUTME: Credential issuance with per-source rate limiting and JWT bypass.

package auth

// ABOUTME: HTTP-facing issuer of connection credentials (POST /auth).
// ABOUTME: Enforces the per-source rate window before minting a grant.

package auth

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/relay-gateway/internal/grant"
)

// IssueResponse is the JSON body returned for a successful issuance.
type IssueResponse struct {
	Credential       string `json:"credential"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
	ConnectURI       string `json:"connect_uri"`
}

// RateLimitedResponse is the JSON body returned with HTTP 429.
type RateLimitedResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
}

// IssuerConfig holds configuration for the Issuer.
type IssuerConfig struct {
	Grants *grant.Store
	Window *grant.RateWindow
	Logger *slog.Logger

	// Verifier, when set, lets callers with a valid bearer token bypass
	// the rate window. Intended for operators and CI.
	Verifier TokenVerifier

	// PublicURL overrides the connection URI base (e.g. "wss://gw.example.com").
	// When empty the URI is derived from the request's Host header.
	PublicURL string

	// TrustProxyHeaders enables X-Forwarded-For as the source identity.
	// Only safe behind a trusted reverse proxy.
	TrustProxyHeaders bool
}

// Issuer mints single-use connection grants. Rate limiting is an expected
// outcome, not an error: issuance failures are structured payloads.
type Issuer struct {
	grants            *grant.Store
	window            *grant.RateWindow
	verifier          TokenVerifier
	publicURL         string
	trustProxyHeaders bool
	logger            *slog.Logger
}

// NewIssuer creates an issuer from the given configuration.
func NewIssuer(cfg IssuerConfig) *Issuer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Issuer{
		grants:            cfg.Grants,
		window:            cfg.Window,
		verifier:          cfg.Verifier,
		publicURL:         strings.TrimRight(cfg.PublicURL, "/"),
		trustProxyHeaders: cfg.TrustProxyHeaders,
		logger:            logger.With("component", "issuer"),
	}
}

// ServeHTTP handles POST /auth. No request body is required.
func (i *Issuer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	source := i.sourceIdentity(r)

	reserved := false
	if !i.bypassAllowed(r) {
		ok, retryAfter := i.window.Reserve(source)
		if !ok {
			i.logger.Info("issuance rate limited",
				"source", source,
				"retry_after", retryAfter,
			)
			writeRateLimited(w, retryAfter)
			return
		}
		reserved = true
	}

	g, err := i.grants.Mint(source)
	if err != nil {
		// The reservation must not outlive a failed issuance.
		if reserved {
			i.window.Release(source)
		}
		i.logger.Error("failed to mint grant", "source", source, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	resp := IssueResponse{
		Credential:       g.Credential,
		ExpiresInSeconds: int64(i.grants.TTL().Seconds()),
		ConnectURI:       i.connectURI(r, g.Credential),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		i.logger.Warn("failed to encode issue response", "error", err)
	}
}

// bypassAllowed reports whether the request carries a valid operator token.
func (i *Issuer) bypassAllowed(r *http.Request) bool {
	if i.verifier == nil {
		return false
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return false
	}

	subject, err := i.verifier.Verify(token)
	if err != nil {
		i.logger.Warn("rejected bypass token", "error", err)
		return false
	}

	i.logger.Info("rate window bypassed", "subject", subject)
	return true
}

// sourceIdentity derives the caller's identity from the network peer.
func (i *Issuer) sourceIdentity(r *http.Request) string {
	if i.trustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			// First hop is the original client.
			if idx := strings.IndexByte(fwd, ','); idx >= 0 {
				fwd = fwd[:idx]
			}
			if ip := strings.TrimSpace(fwd); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// connectURI builds the ready-to-use upgrade URI embedding the credential.
func (i *Issuer) connectURI(r *http.Request, credential string) string {
	if i.publicURL != "" {
		return i.publicURL + "/ws/" + credential
	}

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/ws/" + credential
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int64(retryAfter / time.Second)
	if retryAfter%time.Second != 0 {
		seconds++
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(RateLimitedResponse{
		Error:             "rate limited",
		RetryAfterSeconds: seconds,
	})
}

// ABOUTME: In-memory TTL-aware store for single-use connection grants.
// ABOUTME: Sharded by credential so consumption races stay scoped per key.

package grant

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// Grant lookup/consumption errors.
var (
	ErrUnknownCredential  = errors.New("unknown credential")
	ErrExpiredCredential  = errors.New("credential expired")
	ErrConsumedCredential = errors.New("credential already consumed")
)

// DefaultTTL is the fixed lifetime of a grant.
const DefaultTTL = 30 * time.Minute

// credentialBytes is the entropy of a minted credential (256 bits).
const credentialBytes = 32

// shardCount must be a power of two.
const shardCount = 16

// sweepInterval is how often expired grants are evicted in the background.
// Expired entries are also treated as invalid on access, so the sweep only
// bounds memory, not correctness.
const sweepInterval = time.Minute

// Grant is a single-use, time-limited token authorizing exactly one
// connection upgrade.
type Grant struct {
	Credential     string
	SourceIdentity string
	IssuedAt       time.Time
	ExpiresAt      time.Time

	// consumed is guarded by the owning shard's mutex.
	consumed bool
}

// shard holds a slice of the credential keyspace.
type shard struct {
	mu     sync.Mutex
	grants map[string]*Grant
}

// Store is a concurrency-safe keyed store of grants with TTL eviction.
type Store struct {
	shards [shardCount]*shard
	ttl    time.Duration
	logger *slog.Logger

	now func() time.Time // overridable in tests

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewStore creates a grant store with the given TTL and starts the
// background sweeper. Callers must Close the store when done.
func NewStore(ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		ttl:    ttl,
		logger: logger.With("component", "grants"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{grants: make(map[string]*Grant)}
	}

	go s.sweep()
	return s
}

// Close stops the background sweeper. Safe to call multiple times.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// TTL returns the fixed grant lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Mint creates and stores a new grant for the given source identity.
// The credential is an unguessable random token, never a sequential ID.
func (s *Store) Mint(sourceIdentity string) (*Grant, error) {
	credential, err := newCredential()
	if err != nil {
		return nil, fmt.Errorf("generating credential: %w", err)
	}

	now := s.now()
	g := &Grant{
		Credential:     credential,
		SourceIdentity: sourceIdentity,
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.ttl),
	}

	sh := s.shardFor(credential)
	sh.mu.Lock()
	sh.grants[credential] = g
	sh.mu.Unlock()

	s.logger.Debug("grant minted",
		"source", sourceIdentity,
		"expires_at", g.ExpiresAt,
	)
	return g, nil
}

// Consume atomically marks the grant as consumed and returns it.
// The check-and-set happens under the shard lock so exactly one caller
// wins under concurrent attempts with the same credential.
//
// A grant is expired once its full TTL has elapsed: a lookup at exactly
// ExpiresAt is rejected.
func (s *Store) Consume(credential string) (*Grant, error) {
	sh := s.shardFor(credential)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	g, ok := sh.grants[credential]
	if !ok {
		return nil, ErrUnknownCredential
	}
	if !s.now().Before(g.ExpiresAt) {
		// Expired but not yet swept; evict eagerly.
		delete(sh.grants, credential)
		return nil, ErrExpiredCredential
	}
	if g.consumed {
		return nil, ErrConsumedCredential
	}

	g.consumed = true
	return g, nil
}

// Remove deletes a grant outright. Used when its connection closes;
// removal never resurrects the grant.
func (s *Store) Remove(credential string) {
	sh := s.shardFor(credential)
	sh.mu.Lock()
	delete(sh.grants, credential)
	sh.mu.Unlock()
}

// Len returns the number of stored grants, including consumed ones whose
// connections are still open.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.grants)
		sh.mu.Unlock()
	}
	return total
}

// sweep periodically evicts expired grants.
func (s *Store) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	now := s.now()
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for credential, g := range sh.grants {
			if !now.Before(g.ExpiresAt) {
				delete(sh.grants, credential)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	if evicted > 0 {
		s.logger.Debug("evicted expired grants", "count", evicted)
	}
}

func (s *Store) shardFor(credential string) *shard {
	h := fnv.New32a()
	h.Write([]byte(credential))
	return s.shards[h.Sum32()&(shardCount-1)]
}

// newCredential returns a URL-safe random token with 256 bits of entropy.
func newCredential() (string, error) {
	buf := make([]byte, credentialBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

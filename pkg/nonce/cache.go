// Package nonce maintains the in-process, multi-version cache of redaction
// key material. Entries are keyed by version and expire after a TTL;
// validation consumers iterate every unexpired version (grace period) while
// new redactions always use the highest unexpired version.
//
// The cache has three observable states: healthy (last fetch succeeded),
// degraded (fetch failed but at least one unexpired entry remains), and
// failed-closed (fetch failed and nothing valid is cached — every dependent
// operation must reject).
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a loaded nonce version stays valid.
const DefaultTTL = 3_600_000 * time.Millisecond

// MinValueLen is the minimum accepted nonce length in hex characters.
const MinValueLen = 64

// ErrNoValidNonce is returned when the cache holds no unexpired entry.
var ErrNoValidNonce = errors.New("nonce: no valid nonce in cache")

var versionSuffix = regexp.MustCompile(`v(\d+)$`)

// Fetcher retrieves nonce material from a secret store by parameter name.
type Fetcher func(ctx context.Context, paramName string) (string, error)

// Clock provides the cache's notion of time; injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Record is one cached nonce version.
type Record struct {
	Version  int
	Value    string
	LoadedAt time.Time
	Source   string
}

// VersionStatus is one row of the cache status report.
type VersionStatus struct {
	Version int   `json:"version"`
	AgeMS   int64 `json:"ageMs"`
	Valid   bool  `json:"valid"`
}

// Cache is a version-keyed nonce map with TTL eviction. Safe for concurrent
// use; writes go through a single lock, reads take the shared lock.
type Cache struct {
	mu      sync.RWMutex
	records map[int]Record
	ttl     time.Duration
	clock   Clock
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default one-hour TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock injects a deterministic clock.
func WithClock(clock Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

// NewCache builds an empty cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		records: make(map[int]Record),
		ttl:     DefaultTTL,
		clock:   wallClock{},
		logger:  slog.Default().With("component", "nonce-cache"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ParseVersion extracts the numeric version from a parameter name ending in
// "v<N>", e.g. "/pmd/redaction/nonce/v3".
func ParseVersion(paramName string) (int, error) {
	m := versionSuffix.FindStringSubmatch(paramName)
	if m == nil {
		return 0, fmt.Errorf("nonce: parameter %q has no version suffix", paramName)
	}
	var v int
	if _, err := fmt.Sscanf(m[1], "%d", &v); err != nil || v < 1 {
		return 0, fmt.Errorf("nonce: invalid version in %q", paramName)
	}
	return v, nil
}

// Load fetches paramName via fetch and installs it under its parsed version.
//
// If the fetch fails while at least one unexpired entry remains, the cache
// enters degraded mode: the failure is logged and swallowed so existing
// redactions keep validating. With an empty or fully expired cache the fetch
// error surfaces — fail closed.
func (c *Cache) Load(ctx context.Context, fetch Fetcher, paramName string) error {
	version, err := ParseVersion(paramName)
	if err != nil {
		return err
	}

	value, err := fetch(ctx, paramName)
	if err != nil {
		if len(c.Valid()) > 0 {
			c.logger.WarnContext(ctx, "nonce fetch failed, entering degraded mode",
				"param", paramName, "error", err)
			return nil
		}
		return fmt.Errorf("nonce: fetch %s with empty cache: %w", paramName, err)
	}

	if err := validateValue(value); err != nil {
		return fmt.Errorf("nonce: %s: %w", paramName, err)
	}

	c.mu.Lock()
	c.records[version] = Record{
		Version:  version,
		Value:    value,
		LoadedAt: c.clock.Now(),
		Source:   paramName,
	}
	c.mu.Unlock()
	return nil
}

func validateValue(value string) error {
	if len(value) < MinValueLen {
		return fmt.Errorf("value too short (%d < %d)", len(value), MinValueLen)
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return fmt.Errorf("value is not hex at offset %d", i)
		}
	}
	return nil
}

func (c *Cache) expired(r Record) bool {
	return c.clock.Now().Sub(r.LoadedAt) >= c.ttl
}

// Latest returns the highest-version unexpired record.
func (c *Cache) Latest() (Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	best, ok := Record{}, false
	for _, r := range c.records {
		if c.expired(r) {
			continue
		}
		if !ok || r.Version > best.Version {
			best, ok = r, true
		}
	}
	if !ok {
		return Record{}, ErrNoValidNonce
	}
	return best, nil
}

// Valid returns every unexpired record in descending version order.
func (c *Cache) Valid() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Record
	for _, r := range c.records {
		if !c.expired(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out
}

// Evict removes one version from the cache.
func (c *Cache) Evict(version int) {
	c.mu.Lock()
	delete(c.records, version)
	c.mu.Unlock()
}

// Clear drops every cached version.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.records = make(map[int]Record)
	c.mu.Unlock()
}

// Status reports every cached version with its age and validity,
// descending by version.
func (c *Cache) Status() []VersionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.clock.Now()
	out := make([]VersionStatus, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, VersionStatus{
			Version: r.Version,
			AgeMS:   now.Sub(r.LoadedAt).Milliseconds(),
			Valid:   !c.expired(r),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out
}

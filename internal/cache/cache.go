// Package cache implements the gateway's response cache: a bounded
// in-memory map from a conversation-transcript fingerprint to the
// assistant's completion text, with an optional write-through persistent
// store so the cache survives restarts.
//
// Fingerprinting is a literal SHA-256 of the raw `messages` JSON bytes as
// received — no normalization. Syntactically different but semantically
// equivalent message arrays are not expected to collide.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
)

// HitSource identifies which tier served a cache hit.
type HitSource string

const (
	HitNone   HitSource = ""
	HitMemory HitSource = "memory"
	HitDB     HitSource = "db"
)

// PersistentStore is the optional write-through backing store.
type PersistentStore interface {
	// Get returns the cached response for fingerprint, if present.
	Get(ctx context.Context, fingerprint string) (string, bool)
	// Save appends a new cache entry. A returned error is logged by the
	// caller and never surfaced to the client.
	Save(ctx context.Context, fingerprint string, messages, response string) error
	// LoadRecent returns the most recent n entries, newest first, used to
	// warm the in-memory tier at startup.
	LoadRecent(ctx context.Context, n int) ([]Entry, error)
	Close() error
}

// MetricsRecorder receives cache write outcomes.
type MetricsRecorder interface {
	CacheSetOK()
	CacheSetError()
}

// Entry is one cached exchange.
type Entry struct {
	Fingerprint string
	Messages    string
	Response    string
}

// ResponseCache is the gateway's two-tier response cache.
type ResponseCache struct {
	mem     *LRU
	store   PersistentStore
	log     *slog.Logger
	metrics MetricsRecorder
}

// New creates a ResponseCache with a bounded in-memory tier of the given
// capacity and an optional persistent store (nil disables persistence).
func New(capacity int, store PersistentStore, log *slog.Logger) *ResponseCache {
	if log == nil {
		log = slog.Default()
	}
	return &ResponseCache{mem: NewLRU(capacity), store: store, log: log}
}

// SetMetrics attaches a MetricsRecorder; write outcomes are only recorded
// once one is set.
func (c *ResponseCache) SetMetrics(rec MetricsRecorder) {
	c.metrics = rec
}

// Warm loads the most recent entries from the persistent store (if any)
// into the in-memory tier. Called once at startup.
func (c *ResponseCache) Warm(ctx context.Context, n int) error {
	if c.store == nil {
		return nil
	}
	entries, err := c.store.LoadRecent(ctx, n)
	if err != nil {
		return err
	}
	for _, e := range entries {
		c.mem.Set(e.Fingerprint, e.Response)
	}
	return nil
}

// Fingerprint computes the cache key for a request's raw `messages` JSON
// bytes.
func Fingerprint(rawMessages []byte) string {
	sum := sha256.Sum256(rawMessages)
	return hex.EncodeToString(sum[:])
}

// Get checks the in-memory tier then the persistent tier, returning the
// cached text and which tier served it.
func (c *ResponseCache) Get(ctx context.Context, fingerprint string) (string, HitSource) {
	if v, ok := c.mem.Get(fingerprint); ok {
		return v, HitMemory
	}
	if c.store != nil {
		if v, ok := c.store.Get(ctx, fingerprint); ok {
			c.mem.Set(fingerprint, v)
			return v, HitDB
		}
	}
	return "", HitNone
}

// Set writes the completion into the in-memory tier and, if configured,
// write-through to the persistent store. The persistent write is
// best-effort: failures are logged and never returned to the caller.
func (c *ResponseCache) Set(ctx context.Context, fingerprint, rawMessages, response string) {
	c.mem.Set(fingerprint, response)
	if c.store == nil {
		c.recordSetOK()
		return
	}
	if err := c.store.Save(ctx, fingerprint, rawMessages, response); err != nil {
		c.log.Warn("cache_persist_error",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
		if c.metrics != nil {
			c.metrics.CacheSetError()
		}
		return
	}
	c.recordSetOK()
}

func (c *ResponseCache) recordSetOK() {
	if c.metrics != nil {
		c.metrics.CacheSetOK()
	}
}

// Len reports the number of entries currently held in the in-memory tier.
func (c *ResponseCache) Len() int { return c.mem.Len() }

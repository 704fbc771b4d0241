// Package label implements the narrow interface qdiskd needs from the
// on-disk label-discovery utility named in spec.md's Non-goals ("the
// on-disk label-discovery utility" is out of scope; this daemon only
// needs to *call* one). A device may be configured by label instead of
// by path (config.DeviceConfig.Label); Resolve turns that label into the
// device path the rest of C1 opens.
//
// Grounded on storage.DB's BoltDB schema-versioned bucket layout, adapted
// from OCTOREFLEX's baseline/ledger store to a small label -> path cache:
// resolving a label means scanning block device metadata, which is slow
// and (outside this package's scope) platform-specific, so a successful
// resolution is cached and reused across restarts until the caller asks
// for a fresh scan.
package label

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	schemaVersion = "1"

	bucketCache = "label_cache"
	bucketMeta  = "meta"

	keySchemaVersion = "schema_version"
)

// Resolver turns a disk label into the device path that bears it. The
// real scan (iterating block devices and reading whatever superblock or
// partition label the surrounding OS uses) is deliberately not specified
// here per spec.md's Non-goals; Stub is provided for hosts where no
// labeled device is configured, and any concrete Resolver this daemon
// ships with sits behind this same interface.
type Resolver interface {
	// Resolve returns the device path currently bearing label, or an
	// error if no such device can be found.
	Resolve(label string) (string, error)
}

// Stub is a Resolver that never finds anything. It exists so a daemon
// built without a platform-specific label scanner still links and fails
// loudly (rather than silently) if device.label is configured.
type Stub struct{}

func (Stub) Resolve(label string) (string, error) {
	return "", fmt.Errorf("label: no label resolver configured; cannot resolve %q (configure device.device instead)", label)
}

// cacheEntry is the cached result of a successful resolution.
type cacheEntry struct {
	Path      string    `json:"path"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// CachingResolver wraps another Resolver with a bbolt-backed cache keyed
// by label, so a repeat lookup for the same label across restarts doesn't
// require re-scanning every block device on the host.
type CachingResolver struct {
	db    *bolt.DB
	inner Resolver
	ttl   time.Duration
}

// OpenCache opens (or creates) the label cache database at path and wraps
// inner with it. A cached entry older than ttl is treated as a miss and
// re-resolved; ttl <= 0 means cached entries never expire.
func OpenCache(path string, inner Resolver, ttl time.Duration) (*CachingResolver, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("label: bolt.Open(%q): %w", path, err)
	}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCache, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte(keySchemaVersion)) == nil {
			return meta.Put([]byte(keySchemaVersion), []byte(schemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("label: database initialisation failed: %w", err)
	}

	if err := checkSchema(bdb); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return &CachingResolver{db: bdb, inner: inner, ttl: ttl}, nil
}

func checkSchema(bdb *bolt.DB) error {
	return bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte(keySchemaVersion))
		if string(v) != schemaVersion {
			return fmt.Errorf("label: schema version mismatch: database has %q, daemon requires %q", string(v), schemaVersion)
		}
		return nil
	})
}

// Close closes the underlying cache database.
func (c *CachingResolver) Close() error { return c.db.Close() }

// Resolve returns the cached path for label if present and unexpired;
// otherwise delegates to inner and caches a successful result.
func (c *CachingResolver) Resolve(label string) (string, error) {
	if entry, ok := c.lookup(label); ok {
		return entry.Path, nil
	}

	path, err := c.inner.Resolve(label)
	if err != nil {
		return "", err
	}

	c.store(label, cacheEntry{Path: path, ResolvedAt: time.Now().UTC()})
	return path, nil
}

func (c *CachingResolver) lookup(label string) (cacheEntry, bool) {
	var entry cacheEntry
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketCache)).Get([]byte(label))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found {
		return cacheEntry{}, false
	}
	if c.ttl > 0 && time.Since(entry.ResolvedAt) > c.ttl {
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *CachingResolver) store(label string, entry cacheEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCache)).Put([]byte(label), data)
	})
}

// Invalidate drops any cached entry for label, forcing the next Resolve
// to re-scan.
func (c *CachingResolver) Invalidate(label string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCache)).Delete([]byte(label))
	})
}

// Package audit implements the hash-chained decision ledger (spec §4.8,
// §7's "every eviction, election outcome, and reboot request is
// auditable after the fact").
//
// Schema (BoltDB bucket layout), adapted from storage.DB's
// baselines/ledger/meta split:
//
//	/ledger
//	    key:   fixed-width UTC timestamp (nanoseconds) + "_" + node_id  [sorts chronologically]
//	    value: JSON-encoded Entry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//	    key:   "last_hash"
//	    value: hex-encoded sha256 of the most recent Entry
//
// Each Entry carries DecisionHash (sha256 of its own canonical JSON,
// ParentHash excluded) and ParentHash (the previous entry's
// DecisionHash), forming a Merkle chain an operator can walk to detect
// any entry having been altered or dropped after the fact — grounded on
// governance.ConstitutionalKernel's computeDecisionHash/ParentHash
// chaining, adapted here from an in-memory kernel to a durable bbolt
// ledger since qdiskd has no equivalent in-process verifier to chain
// against across restarts.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketLedger = "ledger"
	bucketMeta   = "meta"

	keySchemaVersion = "schema_version"
	keyLastHash      = "last_hash"
)

// Kind identifies what a ledger Entry records.
type Kind string

const (
	KindEviction    Kind = "eviction"
	KindUndead      Kind = "undead"
	KindElection    Kind = "election"
	KindRebootGated Kind = "reboot_gated"
	KindReboot      Kind = "reboot"
	KindSelfEvicted Kind = "self_evicted"
)

// Entry is one audit ledger record. DecisionHash/ParentHash are computed
// by the ledger on Append, not supplied by the caller.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      Kind              `json:"kind"`
	SelfID    uint32            `json:"self_id"`
	PeerID    uint32            `json:"peer_id,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`

	DecisionHash string `json:"decision_hash"`
	ParentHash   string `json:"parent_hash"`
}

// Ledger wraps a BoltDB instance with the hash-chained decision log.
type Ledger struct {
	db *bolt.DB
}

// Open opens (or creates) the ledger database at path, initialising
// buckets and verifying schema compatibility.
func Open(path string) (*Ledger, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: bolt.Open(%q): %w", path, err)
	}

	l := &Ledger{db: bdb}

	if err := l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte(keySchemaVersion)) == nil {
			if err := meta.Put([]byte(keySchemaVersion), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit: database initialisation failed: %w", err)
	}

	if err := l.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) checkSchemaVersion() error {
	return l.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte(keySchemaVersion))
		if string(v) != SchemaVersion {
			return fmt.Errorf("audit: schema version mismatch: database has %q, daemon requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func ledgerKey(t time.Time, nodeID uint32) []byte {
	return []byte(fmt.Sprintf("%s_%010d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), nodeID))
}

// Append writes entry to the ledger, stamping it with the current time
// (if zero), its own decision hash, and the chain's previous hash. The
// write (including the meta last_hash update) happens in a single ACID
// transaction so the chain can never observe a torn write.
func (l *Ledger) Append(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		parent := string(meta.Get([]byte(keyLastHash)))

		entry.ParentHash = parent
		entry.DecisionHash = ""
		hash, err := hashEntry(entry)
		if err != nil {
			return fmt.Errorf("hash entry: %w", err)
		}
		entry.DecisionHash = hash

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}

		ledger := tx.Bucket([]byte(bucketLedger))
		if err := ledger.Put(ledgerKey(entry.Timestamp, entry.SelfID), data); err != nil {
			return fmt.Errorf("put ledger entry: %w", err)
		}
		return meta.Put([]byte(keyLastHash), []byte(hash))
	})
}

// hashEntry computes sha256(canonical JSON of entry with DecisionHash
// cleared) — excluding the field the hash itself fills in, same as
// governance.computeDecisionHash excludes ConstitutionalOK.
func hashEntry(entry Entry) (string, error) {
	entry.DecisionHash = ""
	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// All returns every ledger entry in chronological order. Operator-facing;
// not called on the quorum cycle hot path.
func (l *Ledger) All() ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// Verify walks the entire chain and confirms every entry's DecisionHash
// matches its recomputed hash and chains correctly to the next entry's
// ParentHash. Returns the index of the first broken link, or -1 if the
// whole chain verifies.
func (l *Ledger) Verify() (brokenAt int, err error) {
	entries, err := l.All()
	if err != nil {
		return -1, err
	}

	prevHash := ""
	for i, e := range entries {
		if e.ParentHash != prevHash {
			return i, nil
		}
		want := e.DecisionHash
		got, err := hashEntry(e)
		if err != nil {
			return -1, err
		}
		if got != want {
			return i, nil
		}
		prevHash = e.DecisionHash
	}
	return -1, nil
}

package audit_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/clusterquorum/qdiskd/internal/audit"
)

func openLedger(t *testing.T) *audit.Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendChainsHashes(t *testing.T) {
	l := openLedger(t)

	if err := l.Append(audit.Entry{Kind: audit.KindEviction, SelfID: 1, PeerID: 2, Reason: "tko exceeded"}); err != nil {
		t.Fatalf("Append #1: %v", err)
	}
	if err := l.Append(audit.Entry{Kind: audit.KindElection, SelfID: 1, Reason: "became master"}); err != nil {
		t.Fatalf("Append #2: %v", err)
	}

	entries, err := l.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].ParentHash != "" {
		t.Fatalf("first entry ParentHash = %q, want empty", entries[0].ParentHash)
	}
	if entries[1].ParentHash != entries[0].DecisionHash {
		t.Fatalf("second entry ParentHash = %q, want %q", entries[1].ParentHash, entries[0].DecisionHash)
	}
	if entries[0].DecisionHash == "" || entries[1].DecisionHash == "" {
		t.Fatal("expected non-empty decision hashes")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := l.Append(audit.Entry{Kind: audit.KindReboot, SelfID: 1, Reason: "score collapse"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(audit.Entry{Kind: audit.KindReboot, SelfID: 1, Reason: "cycle overrun"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if idx, err := (func() (int, error) {
		l2, err := audit.Open(path)
		if err != nil {
			return -1, err
		}
		defer l2.Close()
		return l2.Verify()
	})(); err != nil {
		t.Fatalf("Verify: %v", err)
	} else if idx != -1 {
		t.Fatalf("Verify on untampered chain = %d, want -1", idx)
	}

	corruptLedgerEntry(t, path)

	l3, err := audit.Open(path)
	if err != nil {
		t.Fatalf("reopen after corruption: %v", err)
	}
	defer l3.Close()

	idx, err := l3.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if idx == -1 {
		t.Fatal("Verify did not detect tampering")
	}
}

// corruptLedgerEntry edits the Reason field of the first ledger entry
// directly in the bbolt file (bypassing Append's hashing entirely) to
// simulate an after-the-fact edit the chain should catch.
func corruptLedgerEntry(t *testing.T, path string) {
	t.Helper()
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatalf("bolt.Open for corruption: %v", err)
	}
	defer bdb.Close()

	err = bdb.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("ledger"))
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			t.Fatal("no ledger entries to corrupt")
		}

		var e audit.Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		e.Reason = "tampered"
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(k, data)
	})
	if err != nil {
		t.Fatalf("corrupt ledger entry: %v", err)
	}
}

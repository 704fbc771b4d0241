package reporter_test

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/clusterquorum/qdiskd/internal/block"
	"github.com/clusterquorum/qdiskd/internal/peer"
	"github.com/clusterquorum/qdiskd/internal/quorum"
	"github.com/clusterquorum/qdiskd/internal/reporter"
)

func sampleSnapshot() quorum.Snapshot {
	return quorum.Snapshot{
		Time:       time.Unix(1000, 0),
		SelfID:     1,
		Score:      3,
		ScoreReq:   2,
		ScoreMax:   4,
		LocalState: block.StateMaster,
		InitSet:    []uint32{1, 2},
		VisibleSet: []uint32{1, 2},
		MasterID:   1,
		HasMaster:  true,
		PeerRecords: map[uint32]peer.Record{
			2: {NodeID: 2, State: block.StateRun, Incarnation: 7, Misses: 0, Msg: block.MsgAck},
		},
	}
}

func TestReporterWritesSnapshotFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")

	r := reporter.New(path, 10*time.Millisecond, true, zap.NewNop())
	r.Report(sampleSnapshot())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(1 * time.Second)
	var data []byte
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(path)
		if err == nil && len(b) > 0 {
			data = b
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if data == nil {
		t.Fatal("snapshot file was never written")
	}

	var v reporter.View
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal snapshot file: %v", err)
	}
	if v.SelfID != 1 || v.State != "MASTER" {
		t.Fatalf("unexpected view: %+v", v)
	}
	if len(v.Peers) != 1 || v.Peers[0].NodeID != 2 {
		t.Fatalf("expected debug peer detail, got %+v", v.Peers)
	}
}

func TestSocketServerServesStatusAndList(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "qdiskd.sock")

	rep := reporter.New("", time.Second, false, zap.NewNop())
	rep.Report(sampleSnapshot())

	srv := reporter.NewSocketServer(sockPath, rep, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = srv.ListenAndServe(ctx)
		close(done)
	}()

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	query(t, sockPath, `{"cmd":"status"}`, func(resp map[string]any) {
		if resp["ok"] != true {
			t.Fatalf("status response not ok: %v", resp)
		}
	})
	query(t, sockPath, `{"cmd":"list"}`, func(resp map[string]any) {
		if resp["ok"] != true {
			t.Fatalf("list response not ok: %v", resp)
		}
		peers, _ := resp["peers"].([]any)
		if len(peers) != 1 {
			t.Fatalf("expected 1 peer in list response, got %v", resp["peers"])
		}
	})
	query(t, sockPath, `{"cmd":"bogus"}`, func(resp map[string]any) {
		if resp["ok"] != false {
			t.Fatalf("expected bogus command to fail, got %v", resp)
		}
	})

	cancel()
	<-done
}

func query(t *testing.T, sockPath, req string, check func(map[string]any)) {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, 1*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var resp map[string]any
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	check(resp)
}

// Package reporter implements the status reporting surface (C8, spec
// §4.8): the quorum loop has no other way to tell the outside world what
// it currently believes, since every other channel (the shared device,
// the cluster adapter) is either internal wire format or one-way control
// signals.
//
// Two surfaces are exposed, both grounded on operator.Server's Unix
// domain socket pattern:
//   - a periodic snapshot written to a file (or stdout) every
//     snapshot_interval, for log scraping and post-mortem review;
//   - an on-demand newline-delimited JSON query socket, so an operator
//     tool can ask "what do you see right now" without waiting for the
//     next periodic write.
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clusterquorum/qdiskd/internal/peer"
	"github.com/clusterquorum/qdiskd/internal/quorum"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// PeerStatus is the JSON-friendly view of one tracked peer, exposed over
// the query socket's "list" command.
type PeerStatus struct {
	NodeID      uint32 `json:"node_id"`
	State       string `json:"state"`
	Incarnation uint64 `json:"incarnation"`
	Misses      uint64 `json:"misses"`
	Msg         string `json:"msg"`
}

// View is the JSON document written to the snapshot file and returned by
// the query socket's "status" command — the operator-facing shape of
// quorum.Snapshot.
type View struct {
	Time       time.Time    `json:"time"`
	SelfID     uint32       `json:"self_id"`
	State      string       `json:"state"`
	Score      uint32       `json:"score"`
	ScoreReq   uint32       `json:"score_req"`
	ScoreMax   uint32       `json:"score_max"`
	InitSet    []uint32     `json:"init_set,omitempty"`
	VisibleSet []uint32     `json:"visible_set,omitempty"`
	MasterID   uint32       `json:"master_id,omitempty"`
	HasMaster  bool         `json:"has_master"`
	Peers      []PeerStatus `json:"peers,omitempty"`
}

func toView(s quorum.Snapshot, includePeers bool) View {
	v := View{
		Time:       s.Time,
		SelfID:     s.SelfID,
		State:      s.LocalState.String(),
		Score:      s.Score,
		ScoreReq:   s.ScoreReq,
		ScoreMax:   s.ScoreMax,
		InitSet:    s.InitSet,
		VisibleSet: s.VisibleSet,
		MasterID:   s.MasterID,
		HasMaster:  s.HasMaster,
	}
	if includePeers {
		v.Peers = peerStatuses(s.PeerRecords)
	}
	return v
}

func peerStatuses(records map[uint32]peer.Record) []PeerStatus {
	if len(records) == 0 {
		return nil
	}
	out := make([]PeerStatus, 0, len(records))
	for _, r := range records {
		out = append(out, PeerStatus{
			NodeID:      r.NodeID,
			State:       r.State.String(),
			Incarnation: r.Incarnation,
			Misses:      r.Misses,
			Msg:         r.Msg.String(),
		})
	}
	return out
}

// Reporter implements quorum.Reporter: it is handed one Snapshot per
// cycle, keeps the latest in memory for the query socket, and periodically
// persists one to disk.
type Reporter struct {
	mu       sync.RWMutex
	latest   quorum.Snapshot
	have     bool
	path     string
	debug    bool
	log      *zap.Logger
	interval time.Duration

	writeCh chan struct{}
}

// New creates a Reporter. snapshotPath is where the periodic JSON
// snapshot is written ("-" writes to stdout instead of a file). debug
// controls whether per-peer detail is included in the periodic file
// write (the query socket's "list" command always returns it, mirroring operator.Server's
// "list" command being available regardless of the default report
// verbosity).
func New(snapshotPath string, interval time.Duration, debug bool, log *zap.Logger) *Reporter {
	return &Reporter{
		path:     snapshotPath,
		interval: interval,
		debug:    debug,
		log:      log,
		writeCh:  make(chan struct{}, 1),
	}
}

// Report implements quorum.Reporter. Called once per quorum cycle; stores
// the snapshot and nudges the periodic writer (coalesced, non-blocking —
// a burst of cycles doesn't queue up redundant writes).
func (r *Reporter) Report(s quorum.Snapshot) {
	r.mu.Lock()
	r.latest = s
	r.have = true
	r.mu.Unlock()

	select {
	case r.writeCh <- struct{}{}:
	default:
	}
}

// Run drives the periodic snapshot file write until ctx is cancelled.
// Writes happen at most once per interval, coalescing any number of
// Report calls in between.
func (r *Reporter) Run(ctx context.Context) error {
	if r.path == "" {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if dirty {
				r.flush()
				dirty = false
			}
		case <-r.writeCh:
			dirty = true
		}
	}
}

func (r *Reporter) flush() {
	r.mu.RLock()
	snap, have := r.latest, r.have
	r.mu.RUnlock()
	if !have {
		return
	}

	view := toView(snap, r.debug)
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		r.log.Error("reporter: marshal snapshot", zap.Error(err))
		return
	}
	data = append(data, '\n')

	if r.path == "-" {
		if _, err := os.Stdout.Write(data); err != nil {
			r.log.Error("reporter: write snapshot to stdout", zap.Error(err))
		}
		return
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.log.Error("reporter: write snapshot file", zap.Error(err), zap.String("path", tmp))
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		r.log.Error("reporter: rename snapshot file", zap.Error(err), zap.String("path", r.path))
	}
}

// queryRequest/Response mirror operator.Request/Response's newline-
// delimited JSON shape, scaled down to two commands: status and list.
type queryRequest struct {
	Cmd string `json:"cmd"` // status | list
}

type queryResponse struct {
	OK    bool         `json:"ok"`
	Error string       `json:"error,omitempty"`
	View  *View        `json:"view,omitempty"`
	Peers []PeerStatus `json:"peers,omitempty"`
}

// SocketServer serves on-demand snapshot queries over a Unix domain
// socket, grounded directly on operator.Server's listen/accept/dispatch
// shape and its 0600-permission, bounded-concurrency posture.
type SocketServer struct {
	socketPath string
	reporter   *Reporter
	log        *zap.Logger
	sem        chan struct{}
}

// NewSocketServer creates a SocketServer backed by reporter's in-memory
// latest snapshot.
func NewSocketServer(socketPath string, reporter *Reporter, log *zap.Logger) *SocketServer {
	return &SocketServer{
		socketPath: socketPath,
		reporter:   reporter,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the query socket. Blocks until ctx is cancelled.
func (s *SocketServer) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reporter: remove stale socket %q: %w", s.socketPath, err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("reporter: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("reporter: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("reporter socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("reporter: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("reporter: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *SocketServer) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("reporter: read error", zap.Error(err))
		return
	}

	var req queryRequest
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, queryResponse{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	s.writeResponse(conn, s.dispatch(req))
}

func (s *SocketServer) dispatch(req queryRequest) queryResponse {
	s.reporter.mu.RLock()
	snap, have := s.reporter.latest, s.reporter.have
	s.reporter.mu.RUnlock()

	if !have {
		return queryResponse{OK: false, Error: "no snapshot available yet"}
	}

	switch req.Cmd {
	case "status":
		v := toView(snap, false)
		return queryResponse{OK: true, View: &v}
	case "list":
		return queryResponse{OK: true, Peers: peerStatuses(snap.PeerRecords)}
	default:
		return queryResponse{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *SocketServer) writeResponse(conn net.Conn, resp queryResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("reporter: marshal response", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		s.log.Warn("reporter: write response error", zap.Error(err))
	}
}

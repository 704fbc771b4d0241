// Package cluster implements the cluster membership adapter (C7, spec §4.7):
// the daemon's one connection to "the surrounding cluster" — whatever
// component tracks which nodes are currently members and cares about this
// node's quorum-disk vote.
//
// The contract is split into two interfaces, View and Control, rather than
// one fat client: the quorum loop only ever needs to read membership once
// per cycle and push a handful of one-way signals, and keeping the two
// apart lets tests substitute a trivial in-memory View without dragging in
// a fake Control, and vice versa.
//
// Grounded on gossip.ListenAndServe / gossip.buildServerTLS's mTLS
// plumbing, adapted here for the client side, and on gossip.Server's
// envelope-style one-way calls (report_quorum_device_vote, request_kill_node
// are fire-and-forget signals, not request/response exchanges that need a
// reply payload).
package cluster

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
)

// View is the read-only half of the membership contract: "who does the
// surrounding cluster currently consider alive".
type View interface {
	// MyNodeID returns this node's id as the cluster layer knows it.
	MyNodeID() uint32

	// LiveMembers returns the node ids the cluster currently considers
	// members. Used to intersect against the master's own mask (§4.5).
	LiveMembers(ctx context.Context) (LiveSet, error)

	// Ready reports whether the collaborator itself is healthy enough to
	// answer — C6 polls this once per cycle and halts quorum operations
	// if it fails (§4.7: "the collaborator is also responsible for
	// detecting its own liveness").
	Ready(ctx context.Context) bool
}

// Control is the write half: one-way signals the quorum loop pushes out.
// RequestKillNode and RequestLeaveCluster are optional per §4.7 — callers
// gated on allow_kill / stop_cman decide whether to invoke them at all.
type Control interface {
	ReportQuorumDeviceVote(ctx context.Context, haveVote bool) error
	RequestKillNode(ctx context.Context, nodeID uint32) error
	RequestLeaveCluster(ctx context.Context) error
}

// LiveSet is the set of node ids the cluster layer currently considers
// members, as a plain slice — callers fold it into a bitmap.Mask themselves
// since bitmap's width is an implementation detail of this daemon, not of
// the cluster layer.
type LiveSet []uint32

// Adapter is the real gRPC/mTLS implementation of View and Control.
type Adapter struct {
	conn   *grpc.ClientConn
	nodeID uint32
	log    *zap.Logger
}

// DialConfig holds everything needed to reach the cluster membership
// service over mTLS.
type DialConfig struct {
	Addr        string
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
	NodeID      uint32
}

// Dial opens a persistent mTLS gRPC connection to the cluster membership
// service. The connection is reused across cycles; C6 calls View/Control
// methods on the same Adapter for the lifetime of the daemon.
func Dial(cfg DialConfig, log *zap.Logger) (*Adapter, error) {
	tlsCfg, err := buildClientTLS(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile)
	if err != nil {
		return nil, fmt.Errorf("cluster: tls config: %w", err)
	}

	conn, err := grpc.NewClient(cfg.Addr,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial %s: %w", cfg.Addr, err)
	}

	return &Adapter{conn: conn, nodeID: cfg.NodeID, log: log}, nil
}

// Close releases the underlying connection.
func (a *Adapter) Close() error {
	return a.conn.Close()
}

func (a *Adapter) MyNodeID() uint32 { return a.nodeID }

func (a *Adapter) LiveMembers(ctx context.Context) (LiveSet, error) {
	var reply liveMembersReply
	if err := a.conn.Invoke(ctx, "/cluster.Membership/LiveMembers", &liveMembersRequest{}, &reply); err != nil {
		return nil, fmt.Errorf("cluster: LiveMembers: %w", err)
	}
	return reply.NodeIDs, nil
}

func (a *Adapter) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var reply healthReply
	if err := a.conn.Invoke(ctx, "/cluster.Membership/Health", &healthRequest{}, &reply); err != nil {
		a.log.Warn("cluster membership service unreachable", zap.Error(err))
		return false
	}
	return reply.OK
}

func (a *Adapter) ReportQuorumDeviceVote(ctx context.Context, haveVote bool) error {
	req := &voteRequest{NodeID: a.nodeID, HaveVote: haveVote}
	return a.conn.Invoke(ctx, "/cluster.Membership/ReportQuorumDeviceVote", req, &emptyReply{})
}

func (a *Adapter) RequestKillNode(ctx context.Context, nodeID uint32) error {
	req := &killRequest{NodeID: nodeID}
	return a.conn.Invoke(ctx, "/cluster.Membership/RequestKillNode", req, &emptyReply{})
}

func (a *Adapter) RequestLeaveCluster(ctx context.Context) error {
	req := &leaveRequest{NodeID: a.nodeID}
	return a.conn.Invoke(ctx, "/cluster.Membership/RequestLeaveCluster", req, &emptyReply{})
}

// --- wire messages ---
//
// No .proto/generated stubs are checked into this tree, so the wire
// messages here ride over grpc-go's raw codec hook with a small JSON codec
// (jsonCodec, below) rather than protobuf-generated structs. This keeps the
// transport (grpc-go, mTLS, HTTP/2 framing, deadlines) exactly as the
// gossip package uses it; only the encoding on the wire differs.

type liveMembersRequest struct{}
type liveMembersReply struct {
	NodeIDs []uint32 `json:"node_ids"`
}
type healthRequest struct{}
type healthReply struct {
	OK bool `json:"ok"`
}
type voteRequest struct {
	NodeID   uint32 `json:"node_id"`
	HaveVote bool   `json:"have_vote"`
}
type killRequest struct {
	NodeID uint32 `json:"node_id"`
}
type leaveRequest struct {
	NodeID uint32 `json:"node_id"`
}
type emptyReply struct{}

const jsonCodecName = "json"

// jsonCodec implements grpc's encoding.Codec over plain JSON so this
// package needs no protoc-generated types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// buildClientTLS mirrors gossip.buildServerTLS's TLS 1.3 + Ed25519
// posture, client-side: present our own cert, trust only the configured CA.
func buildClientTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
	}

	caData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file %q: %w", caFile, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

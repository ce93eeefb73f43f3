package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/cuemby/brickd/pkg/peer"
)

// ServiceName is the fully-qualified gRPC service the cluster peers speak.
const ServiceName = "brickd.Cluster"

// LockRequest claims or releases the cluster lock on a participant.
type LockRequest struct {
	Holder string `json:"holder"`
}

// OpRequest carries one stage or commit phase of an operation.
type OpRequest struct {
	Op   string            `json:"op"`
	Dict map[string]string `json:"dict"`
}

// ProbeRequest introduces the initiator to a prospective pool member. For
// PeerProbe and PeerDetach the hostname is the target instead, and Force
// skips the unfriend handshake on detach.
type ProbeRequest struct {
	UUID     string `json:"uuid"`
	Hostname string `json:"hostname"`
	Force    bool   `json:"force,omitempty"`
}

// ProbeResponse is the remote's identity, completing the hello exchange.
type ProbeResponse struct {
	UUID     string `json:"uuid"`
	Hostname string `json:"hostname"`
}

// GossipRequest pushes the sender's volume snapshots.
type GossipRequest struct {
	From      string                `json:"from"`
	Snapshots []peer.VolumeSnapshot `json:"snapshots"`
}

// Ack is the empty success reply; failures ride gRPC status errors.
type Ack struct{}

// SubmitResponse reports an initiated operation's outcome, including
// partial-failure warnings from peers that failed commit.
type SubmitResponse struct {
	Warnings []string `json:"warnings,omitempty"`
}

// ClusterService is what a participant implements; the server in this
// package adapts it onto the operation state machine and peer registry.
type ClusterService interface {
	Lock(ctx context.Context, req *LockRequest) (*Ack, error)
	Unlock(ctx context.Context, req *LockRequest) (*Ack, error)
	StageOp(ctx context.Context, req *OpRequest) (*Ack, error)
	CommitOp(ctx context.Context, req *OpRequest) (*Ack, error)
	Probe(ctx context.Context, req *ProbeRequest) (*ProbeResponse, error)
	Gossip(ctx context.Context, req *GossipRequest) (*Ack, error)
	// Submit is the CLI intake: the decoded operation dict enters the
	// state machine on this peer as the initiator.
	Submit(ctx context.Context, req *OpRequest) (*SubmitResponse, error)
	// PeerProbe asks this daemon to pull a new host into the pool; the
	// hostname in the request is the probe target, not the caller.
	PeerProbe(ctx context.Context, req *ProbeRequest) (*ProbeResponse, error)
	// PeerDetach removes a peer from the pool.
	PeerDetach(ctx context.Context, req *ProbeRequest) (*Ack, error)
}

func unaryHandler[Req any, Resp any](call func(context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, decode func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := decode(req); err != nil {
			return nil, err
		}
		return call(ctx, req)
	}
}

// serviceDesc builds the hand-written descriptor binding method names to a
// ClusterService implementation.
func serviceDesc(svc ClusterService) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ClusterService)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Lock", Handler: unaryHandler(svc.Lock)},
			{MethodName: "Unlock", Handler: unaryHandler(svc.Unlock)},
			{MethodName: "StageOp", Handler: unaryHandler(svc.StageOp)},
			{MethodName: "CommitOp", Handler: unaryHandler(svc.CommitOp)},
			{MethodName: "Probe", Handler: unaryHandler(svc.Probe)},
			{MethodName: "Gossip", Handler: unaryHandler(svc.Gossip)},
			{MethodName: "Submit", Handler: unaryHandler(svc.Submit)},
			{MethodName: "PeerProbe", Handler: unaryHandler(svc.PeerProbe)},
			{MethodName: "PeerDetach", Handler: unaryHandler(svc.PeerDetach)},
		},
		Metadata: "brickd/cluster",
	}
}

package rpc

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/cuemby/brickd/pkg/log"
	"github.com/cuemby/brickd/pkg/opsm"
	"github.com/cuemby/brickd/pkg/peer"
	"github.com/cuemby/brickd/pkg/types"
)

// Server exposes this peer as a cluster participant.
type Server struct {
	sm     *opsm.StateMachine
	reg    *peer.Registry
	client *Client
	grpc   *grpc.Server
}

// NewServer wires the inbound RPC surface onto the operation state
// machine and peer registry. The client is used for outbound calls the
// server makes on the CLI's behalf (probing a new host, gossiping after
// friendship); it may be nil in tests that never probe.
func NewServer(sm *opsm.StateMachine, reg *peer.Registry, client *Client) *Server {
	s := &Server{
		sm:     sm,
		reg:    reg,
		client: client,
		grpc:   grpc.NewServer(),
	}
	s.grpc.RegisterService(serviceDesc(s), nil)
	return s
}

// Start listens on addr and serves until Stop.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", addr, err)
	}
	log.WithComponent("rpc").Info().Str("addr", addr).Msg("cluster RPC listening")
	return s.grpc.Serve(lis)
}

// Stop drains in-flight RPCs and shuts the listener down.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// Lock handles a cluster lock claim from an initiating peer.
func (s *Server) Lock(ctx context.Context, req *LockRequest) (*Ack, error) {
	if err := s.sm.HandleLock(types.PeerID(req.Holder)); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

// Unlock releases the initiator's claim.
func (s *Server) Unlock(ctx context.Context, req *LockRequest) (*Ack, error) {
	if err := s.sm.HandleUnlock(types.PeerID(req.Holder)); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

// StageOp runs the local stage validator for the initiator's operation.
func (s *Server) StageOp(ctx context.Context, req *OpRequest) (*Ack, error) {
	if err := s.sm.HandleStage(types.OpKind(req.Op), types.Dict(req.Dict)); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

// CommitOp applies the initiator's operation locally.
func (s *Server) CommitOp(ctx context.Context, req *OpRequest) (*Ack, error) {
	if err := s.sm.HandleCommit(types.OpKind(req.Op), types.Dict(req.Dict)); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

// Submit runs a full operation with this peer as the initiator. The CLI
// talks to its local daemon through this method.
func (s *Server) Submit(ctx context.Context, req *OpRequest) (*SubmitResponse, error) {
	res, err := s.sm.Begin(ctx, types.OpKind(req.Op), types.Dict(req.Dict))
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{Warnings: res.Warnings}, nil
}

// Probe handles a pool-membership probe: record the caller, answer with
// our identity.
func (s *Server) Probe(ctx context.Context, req *ProbeRequest) (*ProbeResponse, error) {
	p := s.reg.Lookup(req.UUID)
	if p == nil {
		var err error
		p, err = s.reg.AddPeer(types.PeerID(req.UUID), req.Hostname)
		if err != nil {
			return nil, err
		}
		if _, err := s.reg.Event(p, types.EventProbeRecv); err != nil {
			return nil, err
		}
	}
	env := s.sm.Env()
	return &ProbeResponse{UUID: string(env.SelfID), Hostname: env.Hostname}, nil
}

// PeerProbe pulls req.Hostname into the pool: create the record, exchange
// hellos, complete the friendship, and gossip our volume snapshots.
func (s *Server) PeerProbe(ctx context.Context, req *ProbeRequest) (*ProbeResponse, error) {
	if s.client == nil {
		return nil, fmt.Errorf("rpc: no outbound client configured")
	}
	env := s.sm.Env()
	target := req.Hostname

	p, _, err := s.reg.Probe(target)
	if err != nil {
		return nil, err
	}
	// Probing a host already in the pool succeeds without re-running the
	// handshake.
	if p.Friend == types.FriendBefriended {
		return &ProbeResponse{UUID: string(p.UUID), Hostname: p.PrimaryHostname}, nil
	}
	hello, err := s.client.Probe(ctx, target, env.SelfID, env.Hostname)
	if err != nil {
		_, _, _ = s.reg.Detach(target, true)
		return nil, fmt.Errorf("probe %s: %w", target, err)
	}
	if err := s.reg.SetUUID(p, types.PeerID(hello.UUID)); err != nil {
		return nil, err
	}
	if _, err := s.reg.Event(p, types.EventConnect); err != nil {
		return nil, err
	}
	if _, err := s.reg.Event(p, types.EventAccept); err != nil {
		return nil, err
	}
	if _, err := s.reg.Event(p, types.EventUpdate); err != nil {
		return nil, err
	}

	// Friendship complete: push our volume snapshots.
	var snaps []peer.VolumeSnapshot
	env.Model.Iter(func(v *types.Volume) { snaps = append(snaps, peer.Snapshot(v)) })
	if len(snaps) > 0 {
		if err := s.client.Gossip(ctx, p, env.SelfID, snaps); err != nil {
			return nil, fmt.Errorf("gossip to %s: %w", target, err)
		}
	}
	return &ProbeResponse{UUID: hello.UUID, Hostname: hello.Hostname}, nil
}

// PeerDetach removes a peer. Volumes whose bricks all live on the
// detached peer become stale and are deleted locally.
func (s *Server) PeerDetach(ctx context.Context, req *ProbeRequest) (*Ack, error) {
	env := s.sm.Env()
	p, action, err := s.reg.Detach(req.Hostname, req.Force)
	if err != nil {
		return nil, err
	}
	if action == peer.ActionSendUnfriend {
		// The detach completes without waiting for the remote's ack; a
		// dead remote would otherwise pin the record forever.
		_, _ = s.reg.Event(p, types.EventRemove)
	}

	// Stale-volume cleanup runs only on a full peer detach: a volume
	// whose every brick lived on the detached peer has no owner left.
	// The deletion is a committed mutation, so it runs under the
	// cluster lock.
	if err := s.sm.HandleLock(env.SelfID); err != nil {
		return nil, fmt.Errorf("detach cleanup: %w", err)
	}
	defer func() { _ = s.sm.HandleUnlock(env.SelfID) }()

	for _, name := range env.Model.Names() {
		v := env.Model.Find(name)
		allOnPeer := len(v.Bricks) > 0
		for _, b := range v.Bricks {
			if b.Hostname != p.PrimaryHostname && b.PeerUUID != p.UUID {
				allOnPeer = false
				break
			}
		}
		if !allOnPeer {
			continue
		}
		if err := env.Model.Delete(name); err != nil {
			continue
		}
		_ = env.Store.DeleteVolume(name)
	}
	return &Ack{}, nil
}

// Gossip merges the sender's snapshots, stopping stale bricks and
// importing newer volume definitions. Split-brain rejects the call.
func (s *Server) Gossip(ctx context.Context, req *GossipRequest) (*Ack, error) {
	env := s.sm.Env()
	plan, err := peer.PlanMerge(env.Model, req.Snapshots, env.Broker)
	if err != nil {
		return nil, err
	}
	if err := opsm.ApplyMerge(env, plan); err != nil {
		return nil, err
	}
	return &Ack{}, nil
}

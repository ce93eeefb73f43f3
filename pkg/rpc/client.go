package rpc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/brickd/pkg/peer"
	"github.com/cuemby/brickd/pkg/types"
)

// DefaultPort is the management-plane port peers dial each other on.
const DefaultPort = 24007

// Client implements the operation state machine's PeerCaller over gRPC,
// caching one connection per peer hostname.
type Client struct {
	port int

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient creates a client dialing peers on the given management port
// (DefaultPort when zero).
func NewClient(port int) *Client {
	if port == 0 {
		port = DefaultPort
	}
	return &Client{port: port, conns: make(map[string]*grpc.ClientConn)}
}

// Close tears down every cached connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, conn := range c.conns {
		_ = conn.Close()
		delete(c.conns, host)
	}
}

func (c *Client) conn(host string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[host]; ok {
		return conn, nil
	}
	addr := net.JoinHostPort(host, strconv.Itoa(c.port))
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(Name)),
	)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	c.conns[host] = conn
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, host, method string, req, resp any) error {
	conn, err := c.conn(host)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
}

// Lock claims the cluster lock on p for holder.
func (c *Client) Lock(ctx context.Context, p *types.Peer, holder types.PeerID) error {
	return c.invoke(ctx, p.PrimaryHostname, "Lock", &LockRequest{Holder: string(holder)}, &Ack{})
}

// Unlock releases holder's claim on p.
func (c *Client) Unlock(ctx context.Context, p *types.Peer, holder types.PeerID) error {
	return c.invoke(ctx, p.PrimaryHostname, "Unlock", &LockRequest{Holder: string(holder)}, &Ack{})
}

// StageOp runs the stage phase of op on p.
func (c *Client) StageOp(ctx context.Context, p *types.Peer, op types.OpKind, dict types.Dict) error {
	return c.invoke(ctx, p.PrimaryHostname, "StageOp", &OpRequest{Op: string(op), Dict: dict}, &Ack{})
}

// CommitOp runs the commit phase of op on p.
func (c *Client) CommitOp(ctx context.Context, p *types.Peer, op types.OpKind, dict types.Dict) error {
	return c.invoke(ctx, p.PrimaryHostname, "CommitOp", &OpRequest{Op: string(op), Dict: dict}, &Ack{})
}

// Probe introduces ourselves to host and returns its identity.
func (c *Client) Probe(ctx context.Context, host string, selfID types.PeerID, selfHost string) (*ProbeResponse, error) {
	resp := &ProbeResponse{}
	err := c.invoke(ctx, host, "Probe", &ProbeRequest{UUID: string(selfID), Hostname: selfHost}, resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Submit asks the daemon at host to initiate op with the given dict.
func (c *Client) Submit(ctx context.Context, host string, op types.OpKind, dict types.Dict) (*SubmitResponse, error) {
	resp := &SubmitResponse{}
	if err := c.invoke(ctx, host, "Submit", &OpRequest{Op: string(op), Dict: dict}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Gossip pushes our volume snapshots to p.
func (c *Client) Gossip(ctx context.Context, p *types.Peer, from types.PeerID, snaps []peer.VolumeSnapshot) error {
	return c.invoke(ctx, p.PrimaryHostname, "Gossip", &GossipRequest{From: string(from), Snapshots: snaps}, &Ack{})
}

// PeerProbe asks the daemon at host to probe target into the pool.
func (c *Client) PeerProbe(ctx context.Context, host, target string) (*ProbeResponse, error) {
	resp := &ProbeResponse{}
	if err := c.invoke(ctx, host, "PeerProbe", &ProbeRequest{Hostname: target}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PeerDetach asks the daemon at host to drop target from the pool.
func (c *Client) PeerDetach(ctx context.Context, host, target string, force bool) error {
	return c.invoke(ctx, host, "PeerDetach", &ProbeRequest{Hostname: target, Force: force}, &Ack{})
}

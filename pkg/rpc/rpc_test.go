package rpc

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/brickd/pkg/brick"
	"github.com/cuemby/brickd/pkg/opsm"
	"github.com/cuemby/brickd/pkg/peer"
	"github.com/cuemby/brickd/pkg/store"
	"github.com/cuemby/brickd/pkg/types"
	"github.com/cuemby/brickd/pkg/volfile"
	"github.com/cuemby/brickd/pkg/volume"
)

func testServer(t *testing.T, selfID types.PeerID) (*Server, *opsm.StateMachine, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "work"))
	require.NoError(t, err)

	env := &opsm.Env{
		SelfID:   selfID,
		Hostname: "host-" + string(selfID[len(selfID)-1]),
		WorkDir:  st.WorkDir(),
		Store:    st,
		Peers:    peer.NewRegistry(nil, nil),
		Volfiles: &volfile.Builder{WorkDir: st.WorkDir()},
	}
	env.Bricks = &brick.Supervisor{
		WorkDir: st.WorkDir(),
		TmpDir:  filepath.Join(dir, "tmp"),
		Ports:   brick.NewPortMap(),
	}
	sm := opsm.New(env, nil)
	env.Model = volume.NewModel(nil)

	srv := NewServer(sm, env.Peers, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.grpc.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return srv, sm, lis.Addr().String()
}

func clientFor(t *testing.T, addr string) (*Client, *types.Peer) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := NewClient(port)
	t.Cleanup(c.Close)
	return c, &types.Peer{UUID: "00000000-0000-0000-0000-000000000002", PrimaryHostname: host}
}

func TestLockUnlockOverWire(t *testing.T) {
	_, sm, addr := testServer(t, "00000000-0000-0000-0000-000000000001")
	c, p := clientFor(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	holder := types.PeerID("00000000-0000-0000-0000-00000000000a")
	require.NoError(t, c.Lock(ctx, p, holder))
	assert.Equal(t, holder, sm.ClusterLock().Holder())

	// A second claim by a different holder is refused.
	err := c.Lock(ctx, p, "00000000-0000-0000-0000-00000000000b")
	assert.Error(t, err)

	require.NoError(t, c.Unlock(ctx, p, holder))
	assert.Empty(t, sm.ClusterLock().Holder())
}

func TestStageCommitOverWire(t *testing.T) {
	_, sm, addr := testServer(t, "00000000-0000-0000-0000-000000000001")
	c, p := clientFor(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dict := types.Dict{
		"volname": "wire1",
		"bricks":  "remotehost:/export/b1",
	}
	require.NoError(t, c.StageOp(ctx, p, types.OpCreateVolume, dict))
	require.NoError(t, c.CommitOp(ctx, p, types.OpCreateVolume, dict))

	v := sm.Env().Model.Find("wire1")
	require.NotNil(t, v)
	assert.Equal(t, uint64(1), v.Version)

	// Staging the same create again fails: the volume exists now.
	err := c.StageOp(ctx, p, types.OpCreateVolume, dict)
	assert.Error(t, err)
}

func TestProbeOverWire(t *testing.T) {
	srv, _, addr := testServer(t, "00000000-0000-0000-0000-000000000001")
	c, _ := clientFor(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host, _, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	resp, err := c.Probe(ctx, host, "00000000-0000-0000-0000-000000000002", "host2")
	require.NoError(t, err)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", resp.UUID)

	// The server recorded us as probe-received.
	p := srv.reg.Lookup("host2")
	require.NotNil(t, p)
	assert.Equal(t, types.FriendProbeReceived, p.Friend)
}

func TestGossipOverWire(t *testing.T) {
	_, sm, addr := testServer(t, "00000000-0000-0000-0000-000000000001")
	c, p := clientFor(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remote := &types.Volume{
		Name:          "gossiped",
		Type:          types.VolumeDistribute,
		Version:       3,
		Checksum:      33,
		DistLeafCount: 1,
		BrickCount:    1,
		Bricks:        []types.Brick{{Hostname: "remotehost", Path: "/export/g1"}},
		Options:       map[string]string{},
	}
	err := c.Gossip(ctx, p, "00000000-0000-0000-0000-000000000002", []peer.VolumeSnapshot{peer.Snapshot(remote)})
	require.NoError(t, err)

	got := sm.Env().Model.Find("gossiped")
	require.NotNil(t, got)
	assert.Equal(t, uint64(3), got.Version)
}

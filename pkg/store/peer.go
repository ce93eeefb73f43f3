package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cuemby/brickd/pkg/types"
)

func friendStateToInt(s types.FriendState) int {
	switch s {
	case types.FriendProbeSent:
		return 1
	case types.FriendProbeReceived:
		return 2
	case types.FriendBefriendAccepted:
		return 3
	case types.FriendBefriended:
		return 4
	case types.FriendRejected:
		return 5
	case types.FriendUnfriendSent:
		return 6
	default:
		return 0
	}
}

func friendStateFromInt(n int) types.FriendState {
	switch n {
	case 1:
		return types.FriendProbeSent
	case 2:
		return types.FriendProbeReceived
	case 3:
		return types.FriendBefriendAccepted
	case 4:
		return types.FriendBefriended
	case 5:
		return types.FriendRejected
	case 6:
		return types.FriendUnfriendSent
	default:
		return types.FriendDefault
	}
}

// marshalPeer renders a Peer's info-file fields. Additional hostnames are
// written as hostname2, hostname3, and so on.
func marshalPeer(p *types.Peer) kv {
	m := kv{
		"uuid":      string(p.UUID),
		"hostname1": p.PrimaryHostname,
		"state":     strconv.Itoa(friendStateToInt(p.Friend)),
	}
	for i, h := range p.Hostnames {
		m[fmt.Sprintf("hostname%d", i+2)] = h
	}
	return m
}

func unmarshalPeer(m kv) *types.Peer {
	state, _ := strconv.Atoi(m["state"])
	p := &types.Peer{
		UUID:            types.PeerID(m["uuid"]),
		PrimaryHostname: m["hostname1"],
		Friend:          friendStateFromInt(state),
	}
	for i := 2; ; i++ {
		h, ok := m[fmt.Sprintf("hostname%d", i)]
		if !ok {
			break
		}
		p.Hostnames = append(p.Hostnames, h)
	}
	return p
}

func (s *Store) peerPath(uuid types.PeerID) string {
	return filepath.Join(s.workDir, "peers", string(uuid))
}

// SavePeer persists a peer record atomically.
func (s *Store) SavePeer(p *types.Peer) error {
	if err := writeKV(s.peerPath(p.UUID), marshalPeer(p)); err != nil {
		return fmt.Errorf("save peer %s: %w", p.UUID, err)
	}
	return nil
}

// LoadPeer reads one peer record by UUID.
func (s *Store) LoadPeer(uuid types.PeerID) (*types.Peer, error) {
	m, err := parseKV(s.peerPath(uuid))
	if err != nil {
		return nil, fmt.Errorf("load peer %s: %w", uuid, err)
	}
	return unmarshalPeer(m), nil
}

// ListPeers returns every peer record found under <workdir>/peers/.
func (s *Store) ListPeers() ([]*types.Peer, error) {
	root := filepath.Join(s.workDir, "peers")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	var out []*types.Peer
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p, err := s.LoadPeer(types.PeerID(e.Name()))
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// DeletePeer removes a peer's on-disk record.
func (s *Store) DeletePeer(uuid types.PeerID) error {
	if err := os.Remove(s.peerPath(uuid)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete peer %s: %w", uuid, err)
	}
	return nil
}

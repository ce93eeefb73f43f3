package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/brickd/pkg/log"
	"github.com/cuemby/brickd/pkg/types"
)

// Store is the write-ahead text-file persistent store for peer and volume
// records. Its on-disk layout is:
//
//	<workdir>/vols/<volname>/info
//	<workdir>/vols/<volname>/cksum
//	<workdir>/vols/<volname>/bricks/<host>:<exp_path>
//	<workdir>/peers/<uuid>
type Store struct {
	workDir string
}

// New creates a Store rooted at workDir, creating the directory tree if it
// does not yet exist.
func New(workDir string) (*Store, error) {
	for _, dir := range []string{
		filepath.Join(workDir, "vols"),
		filepath.Join(workDir, "peers"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	return &Store{workDir: workDir}, nil
}

// WorkDir returns the store's root directory.
func (s *Store) WorkDir() string { return s.workDir }

// Recover reads peers then volumes on process start-up. A volume whose
// on-disk cksum disagrees with a fresh hash of
// its info file has its cksum file regenerated from the info file, which is
// always the authoritative side for a single local store; cross-peer
// disagreement is resolved by gossip (pkg/peer), not here.
func (s *Store) Recover() ([]*types.Peer, []*types.Volume, error) {
	peers, err := s.ListPeers()
	if err != nil {
		return nil, nil, fmt.Errorf("recover peers: %w", err)
	}

	volumes, err := s.ListVolumes()
	if err != nil {
		return nil, nil, fmt.Errorf("recover volumes: %w", err)
	}

	logger := log.WithComponent("store")
	for _, v := range volumes {
		ok, err := s.VerifyChecksum(v.Name)
		if err != nil || ok {
			continue
		}
		logger.Warn().Str("volume", v.Name).Msg("cksum mismatch on recovery, regenerating from info file")
		if err := writeCksum(s.infoPath(v.Name), v.Checksum); err != nil {
			return nil, nil, fmt.Errorf("recover volume %s: rewrite cksum: %w", v.Name, err)
		}
	}
	return peers, volumes, nil
}

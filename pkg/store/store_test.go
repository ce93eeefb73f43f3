package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/brickd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVolume() *types.Volume {
	return &types.Volume{
		Name:          "gv0",
		ID:            "6b391a73-9d43-42f0-8a46-8b4a7d78a2d7",
		Type:          types.VolumeReplicate,
		BrickCount:    2,
		SubCount:      2,
		ReplicaCount:  2,
		DistLeafCount: 2,
		Transport:     types.TransportTCP,
		Username:      "user1",
		Password:      "secret",
		Status:        types.VolumeStarted,
		Version:       7,
		Bricks: []types.Brick{
			{Hostname: "host1", Path: "/export/b1"},
			{Hostname: "host2", Path: "/export/b2", Decommissioned: true},
		},
		Options:     map[string]string{"performance.io-cache": "off"},
		GsyncSlaves: map[string]string{"slave1": "ssh://backup:/srv"},
	}
}

func TestVolumeRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	v := testVolume()
	require.NoError(t, s.SaveVolume(v))

	got, err := s.LoadVolume("gv0")
	require.NoError(t, err)

	assert.Equal(t, v.ID, got.ID)
	assert.Equal(t, v.Type, got.Type)
	assert.Equal(t, v.Version, got.Version)
	assert.Equal(t, v.Status, got.Status)
	assert.Equal(t, v.ReplicaCount, got.ReplicaCount)
	assert.Equal(t, v.Username, got.Username)
	assert.Equal(t, v.Options, got.Options)
	assert.Equal(t, v.GsyncSlaves, got.GsyncSlaves)
	assert.Equal(t, v.Checksum, got.Checksum)

	require.Len(t, got.Bricks, 2)
	keys := []string{got.Bricks[0].Key(), got.Bricks[1].Key()}
	assert.Contains(t, keys, "host1:/export/b1")
	assert.Contains(t, keys, "host2:/export/b2")
	for _, b := range got.Bricks {
		if b.Hostname == "host2" {
			assert.True(t, b.Decommissioned)
		}
	}
}

func TestSaveVolumePrunesRemovedBrickRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	v := testVolume()
	require.NoError(t, s.SaveVolume(v))

	// Replace one brick and drop the other, then persist again.
	v.Bricks = []types.Brick{{Hostname: "host3", Path: "/export/new"}}
	v.BrickCount = 1
	require.NoError(t, s.SaveVolume(v))

	got, err := s.LoadVolume("gv0")
	require.NoError(t, err)
	require.Len(t, got.Bricks, 1)
	assert.Equal(t, "host3:/export/new", got.Bricks[0].Key())
	assert.Equal(t, got.BrickCount, len(got.Bricks))

	// The stale record files are gone from the bricks directory.
	entries, err := os.ReadDir(filepath.Join(dir, "vols", "gv0", "bricks"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "host3:-export-new", entries[0].Name())
}

func TestChecksumIgnoresKeyOrder(t *testing.T) {
	a := kv{"b": "2", "a": "1", "c": "3"}
	b := kv{"c": "3", "a": "1", "b": "2"}
	assert.Equal(t, checksum(a), checksum(b))

	c := kv{"a": "1", "b": "2", "c": "changed"}
	assert.NotEqual(t, checksum(a), checksum(c))
}

func TestVerifyChecksumDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveVolume(testVolume()))

	ok, err := s.VerifyChecksum("gv0")
	require.NoError(t, err)
	assert.True(t, ok)

	// Hand-edit the info file behind the store's back.
	infoPath := filepath.Join(dir, "vols", "gv0", "info")
	f, err := os.OpenFile(infoPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("tampered=yes\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ok, err = s.VerifyChecksum("gv0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteVolumeRemovesTree(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveVolume(testVolume()))

	require.NoError(t, s.DeleteVolume("gv0"))
	_, err = os.Stat(filepath.Join(dir, "vols", "gv0"))
	assert.True(t, os.IsNotExist(err))
}

func TestAtomicWriteLeavesNoTmp(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveVolume(testVolume()))

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		assert.NotContains(t, path, ".tmp")
		return nil
	})
	require.NoError(t, err)
}

func TestPeerRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	p := &types.Peer{
		UUID:            "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		PrimaryHostname: "host2",
		Hostnames:       []string{"host2.example.com", "10.0.0.2"},
		Friend:          types.FriendBefriended,
	}
	require.NoError(t, s.SavePeer(p))

	got, err := s.LoadPeer(p.UUID)
	require.NoError(t, err)
	assert.Equal(t, p.UUID, got.UUID)
	assert.Equal(t, p.PrimaryHostname, got.PrimaryHostname)
	assert.Equal(t, p.Hostnames, got.Hostnames)
	assert.Equal(t, types.FriendBefriended, got.Friend)

	require.NoError(t, s.DeletePeer(p.UUID))
	_, err = s.LoadPeer(p.UUID)
	assert.Error(t, err)
}

func TestRecoverRegeneratesBadCksum(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveVolume(testVolume()))

	// Corrupt the cksum record.
	cksumFile := filepath.Join(dir, "vols", "gv0", "cksum")
	require.NoError(t, os.WriteFile(cksumFile, []byte("info=12345\n"), 0o644))

	_, vols, err := s.Recover()
	require.NoError(t, err)
	require.Len(t, vols, 1)

	ok, err := s.VerifyChecksum("gv0")
	require.NoError(t, err)
	assert.True(t, ok, "recovery should have regenerated the cksum file")
}

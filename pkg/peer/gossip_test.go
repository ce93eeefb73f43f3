package peer

import (
	"testing"

	"github.com/cuemby/brickd/pkg/types"
	"github.com/cuemby/brickd/pkg/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gossipVolume(name string, version uint64, cksum uint32, bricks ...string) *types.Volume {
	v := &types.Volume{
		Name:     name,
		Type:     types.VolumeDistribute,
		Version:  version,
		Checksum: cksum,
		Options:  make(map[string]string),
	}
	for _, b := range bricks {
		v.Bricks = append(v.Bricks, types.Brick{Hostname: "host1", Path: b})
	}
	v.BrickCount = len(v.Bricks)
	v.DistLeafCount = 1
	return v
}

func TestCompareFriendVolume(t *testing.T) {
	local := gossipVolume("v1", 7, 100, "/export/b1")

	tests := []struct {
		name   string
		local  *types.Volume
		remote VolumeSnapshot
		want   CompareStatus
	}{
		{"absent locally", nil, VolumeSnapshot{Name: "v1", Version: 3}, StatusUpdateRequired},
		{"local newer", local, VolumeSnapshot{Name: "v1", Version: 5, Checksum: 50}, StatusLocalNewer},
		{"remote newer", local, VolumeSnapshot{Name: "v1", Version: 9, Checksum: 90}, StatusUpdateRequired},
		{"split brain", local, VolumeSnapshot{Name: "v1", Version: 7, Checksum: 999}, StatusReject},
		{"in sync", local, VolumeSnapshot{Name: "v1", Version: 7, Checksum: 100}, StatusInSync},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareFriendVolume(tt.local, tt.remote))
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	v := gossipVolume("v1", 4, 42, "/export/b1", "/export/b2")
	v.Options["performance.io-cache"] = "off"
	v.Bricks[1].Decommissioned = true

	got := Snapshot(v).Materialize()
	assert.Equal(t, v.Name, got.Name)
	assert.Equal(t, v.Version, got.Version)
	assert.Equal(t, v.Checksum, got.Checksum)
	assert.Equal(t, v.Options, got.Options)
	require.Len(t, got.Bricks, 2)
	assert.True(t, got.Bricks[1].Decommissioned)
}

func TestPlanMergeImportsAndStaleBricks(t *testing.T) {
	m := volume.NewModel(nil)
	m.Restore(gossipVolume("v1", 3, 30, "/export/old", "/export/keep"))

	remote := Snapshot(gossipVolume("v1", 5, 50, "/export/keep", "/export/new"))

	plan, err := PlanMerge(m, []VolumeSnapshot{remote}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Imports, 1)
	assert.Equal(t, uint64(5), plan.Imports[0].Version)

	// The brick absent from the remote set is stale and must stop.
	require.Len(t, plan.StaleBricks["v1"], 1)
	assert.Equal(t, "/export/old", plan.StaleBricks["v1"][0].Path)
}

func TestPlanMergeSplitBrainAbortsEverything(t *testing.T) {
	m := volume.NewModel(nil)
	m.Restore(gossipVolume("v1", 7, 100, "/export/b1"))
	m.Restore(gossipVolume("v2", 1, 10, "/export/b2"))

	snaps := []VolumeSnapshot{
		Snapshot(gossipVolume("v2", 2, 20, "/export/b2")), // importable
		{Name: "v1", Version: 7, Checksum: 999},           // split-brain
	}

	_, err := PlanMerge(m, snaps, nil)
	require.Error(t, err)
	// Nothing was imported despite v2 being mergeable.
	assert.Equal(t, uint64(1), m.Find("v2").Version)
}

func TestPlanMergePushBack(t *testing.T) {
	m := volume.NewModel(nil)
	m.Restore(gossipVolume("v1", 9, 90, "/export/b1"))

	plan, err := PlanMerge(m, []VolumeSnapshot{{Name: "v1", Version: 4, Checksum: 40}}, nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Imports)
	assert.Equal(t, []string{"v1"}, plan.PushBack)
}

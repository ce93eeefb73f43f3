package opsm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuemby/brickd/pkg/types"
	"github.com/cuemby/brickd/pkg/volfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceBrickProtocol(t *testing.T) {
	env, _, sm := testEnv(t)
	src, dst := brickDir(t), brickDir(t)

	script := filepath.Join(t.TempDir(), "fakebrick")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755))
	env.Bricks.Executable = script

	_, err := sm.Begin(context.Background(), types.OpCreateVolume, types.Dict{
		"volname": "rb1",
		"bricks":  "host1:" + src,
	})
	require.NoError(t, err)
	_, err = sm.Begin(context.Background(), types.OpStartVolume, types.Dict{"volname": "rb1"})
	require.NoError(t, err)

	// start: the pump translator appears in the source's server volfile
	// and the replace-brick state is recorded.
	_, err = sm.Begin(context.Background(), types.OpReplaceBrick, types.Dict{
		"volname":   "rb1",
		"src-brick": "host1:" + src,
		"dst-brick": "host1:" + dst,
		"operation": "start",
	})
	require.NoError(t, err)

	v := env.Model.Find("rb1")
	assert.Equal(t, "started", v.Options["rb-status"])
	assert.Equal(t, "on", v.Options["enable-pump"])

	data, err := os.ReadFile(serverVolfilePath(env, v, v.Bricks[0]))
	require.NoError(t, err)
	g, err := volfile.Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Len(t, g.FindByType(types.XlatorPump), 1)

	// The regenerated volfile's maintenance client points at the
	// destination recorded on the volume.
	var rbClient *volfile.Node
	for _, c := range g.FindByType(types.XlatorProtocolClient) {
		if c.Name == "rb1-replace-brick" {
			rbClient = c
		}
	}
	require.NotNil(t, rbClient)
	assert.Equal(t, "host1", rbClient.Options["remote-host"])
	assert.Equal(t, dst, rbClient.Options["remote-subvolume"])

	// The persisted record stays consistent: a fresh load's brick set
	// matches its recorded count.
	onDisk, err := env.Store.LoadVolume("rb1")
	require.NoError(t, err)
	assert.Equal(t, onDisk.BrickCount, len(onDisk.Bricks))

	// commit: the slot renames src -> dst and the pump state clears.
	_, err = sm.Begin(context.Background(), types.OpReplaceBrick, types.Dict{
		"volname":   "rb1",
		"src-brick": "host1:" + src,
		"operation": "commit",
	})
	require.NoError(t, err)

	v = env.Model.Find("rb1")
	assert.Equal(t, "host1:"+dst, v.Bricks[0].Key())
	assert.NotContains(t, v.Options, "enable-pump")
	assert.NotContains(t, v.Options, "rb-status")

	// The regenerated server volfile has no pump anymore.
	data, err = os.ReadFile(serverVolfilePath(env, v, v.Bricks[0]))
	require.NoError(t, err)
	g, err = volfile.Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Empty(t, g.FindByType(types.XlatorPump))

	// The rename is durable: a fresh load sees only the destination
	// brick, with no stale record for the replaced source.
	onDisk, err = env.Store.LoadVolume("rb1")
	require.NoError(t, err)
	require.Len(t, onDisk.Bricks, 1)
	assert.Equal(t, "host1:"+dst, onDisk.Bricks[0].Key())
	assert.Equal(t, onDisk.BrickCount, len(onDisk.Bricks))
}

func TestReplaceBrickWithoutSessionRejected(t *testing.T) {
	_, _, sm := testEnv(t)
	exp := brickDir(t)
	_, err := sm.Begin(context.Background(), types.OpCreateVolume, types.Dict{
		"volname": "rb2",
		"bricks":  "host1:" + exp,
	})
	require.NoError(t, err)

	_, err = sm.Begin(context.Background(), types.OpReplaceBrick, types.Dict{
		"volname":   "rb2",
		"src-brick": "host1:" + exp,
		"operation": "abort",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no replace-brick in progress")
}

func TestRebalanceRequiresMultipleSubvolumes(t *testing.T) {
	_, _, sm := testEnv(t)
	exp := brickDir(t)
	_, err := sm.Begin(context.Background(), types.OpCreateVolume, types.Dict{
		"volname": "reb1",
		"bricks":  "host1:" + exp,
	})
	require.NoError(t, err)
	_, err = sm.Begin(context.Background(), types.OpStartVolume, types.Dict{"volname": "reb1"})
	require.NoError(t, err)

	_, err = sm.Begin(context.Background(), types.OpRebalance, types.Dict{
		"volname":           "reb1",
		"rebalance-command": "start",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to rebalance")
}

func TestUnknownOptionSuggestsSpelling(t *testing.T) {
	_, _, sm := testEnv(t)
	exp := brickDir(t)
	_, err := sm.Begin(context.Background(), types.OpCreateVolume, types.Dict{
		"volname": "opt1",
		"bricks":  "host1:" + exp,
	})
	require.NoError(t, err)

	_, err = sm.Begin(context.Background(), types.OpSetOption, types.Dict{
		"volname": "opt1",
		"key":     "performance.cach-size",
		"value":   "64MB",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did you mean performance.cache-size")
}
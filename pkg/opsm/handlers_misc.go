package opsm

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/brickd/pkg/events"
	"github.com/cuemby/brickd/pkg/log"
	"github.com/cuemby/brickd/pkg/peer"
	"github.com/cuemby/brickd/pkg/types"
	"github.com/cuemby/brickd/pkg/volume"
)

func stageSetOption(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	key, err := dict.MustGet("key")
	if err != nil {
		return err
	}
	value, err := dict.MustGet("value")
	if err != nil {
		return err
	}
	if err := volume.ValidateOptionValue(v, key, value); err != nil {
		return err
	}
	// Turning marker xtime off would orphan the change log a running
	// geo-replication session depends on.
	if key == "features.marker.xtime" && !volume.ParseBool(value) && v.HasGeoReplication() {
		return fmt.Errorf("cannot disable marker xtime on volume %s: geo-replication sessions are active", v.Name)
	}
	return nil
}

func commitSetOption(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	if err := env.Model.SetOption(v, dict["key"], dict["value"]); err != nil {
		return err
	}
	if err := commitVolume(env, v); err != nil {
		return err
	}
	if env.Broker != nil {
		env.Broker.Publish(&events.Event{
			Type:    events.EventVolumeSet,
			Message: fmt.Sprintf("volume %s: %s = %s", v.Name, dict["key"], dict["value"]),
			Metadata: map[string]string{
				"volume": v.Name,
				"key":    dict["key"],
			},
		})
	}
	return nil
}

func stageResetOption(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	if key, ok := dict.Get("key"); ok && key != "" {
		if _, set := v.Options[key]; !set {
			return fmt.Errorf("option %s is not set on volume %s", key, v.Name)
		}
	}
	return nil
}

func commitResetOption(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	if err := env.Model.ResetOption(v, dict["key"]); err != nil {
		return err
	}
	return commitVolume(env, v)
}

func stageLogFilename(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	path, err := dict.MustGet("path")
	if err != nil {
		return err
	}
	if path[0] != '/' {
		return fmt.Errorf("log path %q must be absolute", path)
	}
	// When a specific brick is named it must belong to the volume.
	if spec, ok := dict.Get("brick"); ok && spec != "" {
		b, err := parseBrickSpec(spec)
		if err != nil {
			return err
		}
		if _, idx := v.BrickByKey(b.Key()); idx < 0 {
			return fmt.Errorf("brick %s is not part of volume %s", b.Key(), v.Name)
		}
	}
	return nil
}

func commitLogFilename(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	path := dict["path"]
	target, _ := dict.Get("brick")
	for i := range v.Bricks {
		b := &v.Bricks[i]
		if target != "" && b.Key() != target {
			continue
		}
		b.LogFile = filepath.Join(path, b.Hostname+"-"+filepath.Base(b.Path)+".log")
	}
	return commitVolume(env, v)
}

func stageLogRotate(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	if v.Status != types.VolumeStarted {
		return fmt.Errorf("volume %s is not started", v.Name)
	}
	return nil
}

// commitLogRotate renames each local brick's live log aside with a
// timestamp suffix; the brick process reopens its log on next write.
func commitLogRotate(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	key, _ := dict.Get("rotate-key")
	logger := log.WithVolume(v.Name)
	for i := range v.Bricks {
		b := &v.Bricks[i]
		if !env.IsLocalBrick(*b) || b.LogFile == "" {
			continue
		}
		if key != "" && b.Key() != key {
			continue
		}
		rotated := fmt.Sprintf("%s.%d", b.LogFile, time.Now().Unix())
		if err := os.Rename(b.LogFile, rotated); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rotate %s: %w", b.LogFile, err)
		}
		logger.Info().Str("brick", b.Key()).Str("to", rotated).Msg("log rotated")
	}
	return nil
}

// stageSync validates a pull of volume definitions from another peer.
func stageSync(env *Env, dict types.Dict) error {
	host, err := dict.MustGet("hostname")
	if err != nil {
		return err
	}
	if env.Peers.Lookup(host) == nil {
		return fmt.Errorf("peer %s is not part of the pool", host)
	}
	return nil
}

// commitSync imports the snapshots carried in the dict the way gossip
// would, respecting the same split-brain rejection.
func commitSync(env *Env, dict types.Dict) error {
	raw, ok := dict.Get("snapshots")
	if !ok || raw == "" {
		return nil
	}
	snaps, err := peer.DecodeSnapshots([]byte(raw))
	if err != nil {
		return fmt.Errorf("decode sync payload: %w", err)
	}
	plan, err := peer.PlanMerge(env.Model, snaps, env.Broker)
	if err != nil {
		return err
	}
	return ApplyMerge(env, plan)
}

// ApplyMerge executes a gossip merge plan: stale local bricks stop, the
// imported records replace the local ones, and volfiles regenerate.
func ApplyMerge(env *Env, plan *peer.MergePlan) error {
	for name, stale := range plan.StaleBricks {
		v := env.Model.Find(name)
		if v == nil {
			continue
		}
		for _, b := range stale {
			if !env.IsLocalBrick(b) {
				continue
			}
			live, idx := v.BrickByKey(b.Key())
			if idx < 0 {
				continue
			}
			if err := env.Bricks.Stop(v, live, true); err != nil {
				log.WithVolume(name).Warn().Err(err).Str("brick", b.Key()).Msg("stale brick stop failed")
			}
		}
	}

	for _, imported := range plan.Imports {
		env.Model.Restore(imported)
		if err := env.Store.SaveVolume(imported); err != nil {
			return fmt.Errorf("persist imported volume %s: %w", imported.Name, err)
		}
		if err := regenVolfiles(env, imported); err != nil {
			return err
		}
		if imported.Status == types.VolumeStarted {
			if err := startLocalBricks(env, imported); err != nil {
				return err
			}
		}
	}
	return nil
}

func stageRebalance(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	if v.Status != types.VolumeStarted {
		return fmt.Errorf("volume %s must be started to rebalance", v.Name)
	}
	if v.BrickCount/max(v.DistLeafCount, 1) <= 1 {
		return fmt.Errorf("volume %s has a single distribute subvolume, nothing to rebalance", v.Name)
	}
	switch dict["rebalance-command"] {
	case "", "start", "stop", "status", "fix-layout":
		return nil
	}
	return fmt.Errorf("unknown rebalance command %q", dict["rebalance-command"])
}

func commitRebalance(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	switch dict["rebalance-command"] {
	case "", "start", "fix-layout":
		g, err := env.Volfiles.BuildRebalance(v)
		if err != nil {
			return err
		}
		path := filepath.Join(volDir(env, v.Name), v.Name+"-rebalance.vol")
		return g.WriteFile(path, env.Volfiles.FilterDir)
	}
	return nil
}

// postRebalance logs the start of a rebalance once the commit is on disk
// everywhere. It starts no data-migration task.
func postRebalance(env *Env, dict types.Dict) {
	if cmd := dict["rebalance-command"]; cmd != "" && cmd != "start" && cmd != "fix-layout" {
		return
	}
	name := dict["volname"]
	log.WithVolume(name).Info().Msg("rebalance task starting")
}

package opsm

import (
	"fmt"

	"github.com/cuemby/brickd/pkg/brick"
	"github.com/cuemby/brickd/pkg/log"
	"github.com/cuemby/brickd/pkg/types"
)

func stageAddBrick(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	bricks, err := parseBricks(dict)
	if err != nil {
		return err
	}
	for _, b := range bricks {
		if _, idx := v.BrickByKey(b.Key()); idx >= 0 {
			return fmt.Errorf("brick %s is already part of volume %s", b.Key(), v.Name)
		}
		if err := env.Model.BrickInUse(b.Hostname, b.Path); err != nil {
			return err
		}
		if env.IsLocalBrick(b) {
			if owner, err := brick.ReadVolumeID(b.Path); err == nil && owner != "" && owner != v.ID {
				return fmt.Errorf("brick %s already belongs to volume %s", b.Key(), owner)
			}
		}
	}
	// Run the count arithmetic against a scratch copy so stage never
	// mutates committed state.
	scratch := v.Clone()
	return env.Model.AddBricks(scratch, bricks)
}

func commitAddBrick(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	bricks, err := parseBricks(dict)
	if err != nil {
		return err
	}
	if err := env.Model.AddBricks(v, bricks); err != nil {
		return err
	}
	for i := range v.Bricks {
		b := &v.Bricks[i]
		if !env.IsLocalBrick(*b) {
			continue
		}
		if err := brick.StampVolumeID(b.Path, v.ID); err != nil {
			return err
		}
	}
	if err := commitVolume(env, v); err != nil {
		return err
	}
	if v.Status == types.VolumeStarted {
		if err := startLocalBricks(env, v); err != nil {
			return err
		}
	}
	return nil
}

func stageRemoveBrick(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	bricks, err := parseBricks(dict)
	if err != nil {
		return err
	}
	for _, b := range bricks {
		if _, idx := v.BrickByKey(b.Key()); idx < 0 {
			return fmt.Errorf("brick %s is not part of volume %s", b.Key(), v.Name)
		}
	}
	force := dict["command"] == "commit-force"
	keys := brickKeys(bricks)
	scratch := v.Clone()
	return env.Model.RemoveBricks(scratch, keys, force)
}

func commitRemoveBrick(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	bricks, err := parseBricks(dict)
	if err != nil {
		return err
	}

	// Stop the local members of the removal set before they leave the
	// volume record.
	for _, b := range bricks {
		live, idx := v.BrickByKey(b.Key())
		if idx < 0 || !env.IsLocalBrick(*live) {
			continue
		}
		if err := env.Bricks.Stop(v, live, true); err != nil {
			log.WithVolume(v.Name).Warn().Err(err).Str("brick", live.Key()).Msg("brick stop failed during remove")
		}
		_ = brick.ClearVolumeID(live.Path)
	}

	force := dict["command"] == "commit-force"
	if err := env.Model.RemoveBricks(v, brickKeys(bricks), force); err != nil {
		return err
	}
	return commitVolume(env, v)
}

func brickKeys(bricks []types.Brick) []string {
	keys := make([]string, len(bricks))
	for i, b := range bricks {
		keys[i] = b.Key()
	}
	return keys
}

func stageReplaceBrick(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	op, err := dict.MustGet("operation")
	if err != nil {
		return err
	}

	srcSpec, err := dict.MustGet("src-brick")
	if err != nil {
		return err
	}
	src, err := parseBrickSpec(srcSpec)
	if err != nil {
		return err
	}
	if _, idx := v.BrickByKey(src.Key()); idx < 0 {
		return fmt.Errorf("brick %s is not part of volume %s", src.Key(), v.Name)
	}

	switch op {
	case "start":
		dstSpec, err := dict.MustGet("dst-brick")
		if err != nil {
			return err
		}
		dst, err := parseBrickSpec(dstSpec)
		if err != nil {
			return err
		}
		if err := env.Model.BrickInUse(dst.Hostname, dst.Path); err != nil {
			return err
		}
		if v.Status != types.VolumeStarted {
			return fmt.Errorf("volume %s must be started for replace-brick", v.Name)
		}
	case "pause", "abort", "commit", "commit-force", "status":
		if v.Options["rb-status"] == "" && op != "commit-force" {
			return fmt.Errorf("no replace-brick in progress on volume %s", v.Name)
		}
	default:
		return fmt.Errorf("unknown replace-brick operation %q", op)
	}
	return nil
}

func commitReplaceBrick(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	op := dict["operation"]
	src, err := parseBrickSpec(dict["src-brick"])
	if err != nil {
		return err
	}

	switch op {
	case "start":
		dst, err := parseBrickSpec(dict["dst-brick"])
		if err != nil {
			return err
		}
		// The source's server graph grows a pump translator that drains
		// into a maintenance client pointed at the destination; the next
		// volfile regeneration picks the settings up.
		v.Options["enable-pump"] = "on"
		v.Options["rb-status"] = "started"
		v.Options["rb-src"] = src.Key()
		v.Options["rb-dst"] = dst.Key()

		if env.IsLocalBrick(dst) {
			// The destination is not in the volume's brick set yet, so it
			// gets its server volfile generated here rather than by the
			// regular regeneration pass.
			g, err := env.Volfiles.BuildServer(v, dst.Path, nil)
			if err != nil {
				return fmt.Errorf("build destination volfile: %w", err)
			}
			path := serverVolfilePath(env, v, dst)
			if err := g.WriteFile(path, env.Volfiles.FilterDir); err != nil {
				return err
			}
			if err := env.Bricks.Start(v, &dst, path, nil); err != nil {
				return fmt.Errorf("start destination brick %s: %w", dst.Key(), err)
			}
		}
		return commitVolume(env, v)

	case "pause":
		v.Options["rb-status"] = "paused"
		return commitVolume(env, v)

	case "abort":
		delete(v.Options, "enable-pump")
		delete(v.Options, "rb-status")
		delete(v.Options, "rb-src")
		delete(v.Options, "rb-dst")
		return commitVolume(env, v)

	case "commit", "commit-force":
		dstKey := v.Options["rb-dst"]
		if dstSpec, ok := dict.Get("dst-brick"); ok {
			dst, err := parseBrickSpec(dstSpec)
			if err != nil {
				return err
			}
			dstKey = dst.Key()
		}
		dst, err := parseBrickSpec(dstKey)
		if err != nil {
			return fmt.Errorf("replace-brick: no destination recorded: %w", err)
		}

		// The destination's maintenance process dies; the brick slot is
		// renamed src -> dst; status resets.
		if env.IsLocalBrick(dst) {
			d := dst
			_ = env.Bricks.Stop(v, &d, true)
		}
		if srcLive, idx := v.BrickByKey(src.Key()); idx >= 0 && env.IsLocalBrick(*srcLive) {
			_ = env.Bricks.Stop(v, srcLive, true)
		}
		if err := env.Model.ReplaceBrick(v, src.Key(), dst); err != nil {
			return err
		}
		delete(v.Options, "enable-pump")
		delete(v.Options, "rb-status")
		delete(v.Options, "rb-src")
		delete(v.Options, "rb-dst")
		if err := commitVolume(env, v); err != nil {
			return err
		}
		if v.Status == types.VolumeStarted {
			return startLocalBricks(env, v)
		}
		return nil

	case "status":
		return nil
	}
	return fmt.Errorf("unknown replace-brick operation %q", op)
}

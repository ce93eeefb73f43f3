package opsm

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/brickd/pkg/log"
	"github.com/cuemby/brickd/pkg/metrics"
	"github.com/cuemby/brickd/pkg/types"
)

// registerBuiltins installs the handler for every recognized operation.
func registerBuiltins(s *StateMachine) {
	s.Register(types.OpCreateVolume, Handler{Stage: stageCreateVolume, Commit: commitCreateVolume})
	s.Register(types.OpStartVolume, Handler{Stage: stageStartVolume, Commit: commitStartVolume})
	s.Register(types.OpStopVolume, Handler{Stage: stageStopVolume, Commit: commitStopVolume})
	s.Register(types.OpDeleteVolume, Handler{Stage: stageDeleteVolume, Commit: commitDeleteVolume})
	s.Register(types.OpAddBrick, Handler{Stage: stageAddBrick, Commit: commitAddBrick})
	s.Register(types.OpRemoveBrick, Handler{Stage: stageRemoveBrick, Commit: commitRemoveBrick})
	s.Register(types.OpReplaceBrick, Handler{Stage: stageReplaceBrick, Commit: commitReplaceBrick})
	s.Register(types.OpSetOption, Handler{Stage: stageSetOption, Commit: commitSetOption})
	s.Register(types.OpResetOption, Handler{Stage: stageResetOption, Commit: commitResetOption})
	s.Register(types.OpLogFilename, Handler{Stage: stageLogFilename, Commit: commitLogFilename})
	s.Register(types.OpLogRotate, Handler{Stage: stageLogRotate, Commit: commitLogRotate})
	s.Register(types.OpSync, Handler{Stage: stageSync, Commit: commitSync})
	s.Register(types.OpRebalance, Handler{Stage: stageRebalance, Commit: commitRebalance, PostCommit: postRebalance})
}

// mustVolume resolves the dict's volname against the model.
func mustVolume(env *Env, dict types.Dict) (*types.Volume, error) {
	name, err := dict.MustGet("volname")
	if err != nil {
		return nil, err
	}
	v := env.Model.Find(name)
	if v == nil {
		return nil, fmt.Errorf("volume %s does not exist", name)
	}
	return v, nil
}

// parseBricks decodes the brick list from the dict: the space-separated
// "bricks" value when present, else brick1..brick<count>.
func parseBricks(dict types.Dict) ([]types.Brick, error) {
	var specs []string
	if raw, ok := dict.Get("bricks"); ok {
		specs = strings.Fields(raw)
	} else if rawCount, ok := dict.Get("count"); ok {
		count, err := strconv.Atoi(rawCount)
		if err != nil {
			return nil, fmt.Errorf("bad brick count %q", rawCount)
		}
		for i := 1; i <= count; i++ {
			spec, ok := dict.Get(fmt.Sprintf("brick%d", i))
			if !ok {
				return nil, fmt.Errorf("missing dict key brick%d", i)
			}
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no bricks in request")
	}

	bricks := make([]types.Brick, 0, len(specs))
	for _, spec := range specs {
		b, err := parseBrickSpec(spec)
		if err != nil {
			return nil, err
		}
		bricks = append(bricks, b)
	}
	return bricks, nil
}

// parseBrickSpec splits "host:/export/path" into a Brick.
func parseBrickSpec(spec string) (types.Brick, error) {
	idx := strings.IndexByte(spec, ':')
	if idx <= 0 || idx == len(spec)-1 {
		return types.Brick{}, fmt.Errorf("brick %q: expected <hostname>:<export-path>", spec)
	}
	host, path := spec[:idx], spec[idx+1:]
	if path[0] != '/' {
		return types.Brick{}, fmt.Errorf("brick %q: export path must be absolute", spec)
	}
	return types.Brick{Hostname: host, Path: path}, nil
}

// volDir is the volume's directory under the work dir.
func volDir(env *Env, name string) string {
	return filepath.Join(env.WorkDir, "vols", name)
}

// clientVolfilePath is where the fuse/client volfile for a volume lands.
func clientVolfilePath(env *Env, v *types.Volume) string {
	return filepath.Join(volDir(env, v.Name), v.Name+"-fuse.vol")
}

// serverVolfilePath is the per-brick server volfile.
func serverVolfilePath(env *Env, v *types.Volume, b types.Brick) string {
	base := v.Name + "." + b.Hostname + "." + strings.ReplaceAll(b.Path, "/", "-") + ".vol"
	return filepath.Join(volDir(env, v.Name), base)
}

// regenVolfiles rebuilds the client volfile and every local brick's server
// volfile after a committed change.
func regenVolfiles(env *Env, v *types.Volume) error {
	timer := metrics.NewTimer()
	client, err := env.Volfiles.BuildClient(v, v.Transport, nil)
	if err != nil {
		return fmt.Errorf("build client volfile: %w", err)
	}
	if err := client.WriteFile(clientVolfilePath(env, v), env.Volfiles.FilterDir); err != nil {
		return err
	}
	timer.ObserveDurationVec(metrics.VolfileGenerateDuration, "client")

	for _, b := range v.Bricks {
		if !env.IsLocalBrick(b) {
			continue
		}
		timer = metrics.NewTimer()
		server, err := env.Volfiles.BuildServer(v, b.Path, nil)
		if err != nil {
			return fmt.Errorf("build server volfile for %s: %w", b.Key(), err)
		}
		if err := server.WriteFile(serverVolfilePath(env, v, b), env.Volfiles.FilterDir); err != nil {
			return err
		}
		timer.ObserveDurationVec(metrics.VolfileGenerateDuration, "server")
	}
	return nil
}

// commitVolume bumps the volume version and persists it; the on-disk state
// is current before the operation reply goes out.
func commitVolume(env *Env, v *types.Volume) error {
	v.Version++
	if err := env.Store.SaveVolume(v); err != nil {
		return err
	}
	return regenVolfiles(env, v)
}

// startLocalBricks spawns the server process for every local brick of v.
func startLocalBricks(env *Env, v *types.Volume) error {
	for i := range v.Bricks {
		b := &v.Bricks[i]
		if !env.IsLocalBrick(*b) {
			continue
		}
		if err := env.Bricks.Start(v, b, serverVolfilePath(env, v, *b), nil); err != nil {
			return fmt.Errorf("start brick %s: %w", b.Key(), err)
		}
	}
	return nil
}

// stopLocalBricks stops every local brick of v; failures are logged, not
// fatal, since a dead brick is the desired end state anyway.
func stopLocalBricks(env *Env, v *types.Volume, force bool) {
	logger := log.WithVolume(v.Name)
	for i := range v.Bricks {
		b := &v.Bricks[i]
		if !env.IsLocalBrick(*b) {
			continue
		}
		if err := env.Bricks.Stop(v, b, force); err != nil {
			logger.Warn().Err(err).Str("brick", b.Key()).Msg("brick stop failed")
		}
	}
}

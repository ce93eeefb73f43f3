package volume

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/brickd/pkg/types"
)

// MaxNameLen bounds volume names; MaxPathLen bounds brick export paths.
const (
	MaxNameLen = 1000
	MaxPathLen = 1024
)

// Model holds every volume configuration known to this peer. Mutators run
// inside an operation commit while the cluster lock is held; they assert
// the lock through the holder callback rather than taking it themselves.
type Model struct {
	mu      sync.RWMutex
	volumes map[string]*types.Volume

	// lockHeld reports whether the cluster lock is currently held by this
	// peer. Wired to the operation state machine's lock at construction.
	lockHeld func() bool
}

// NewModel creates an empty model. lockHeld may be nil in tests, in which
// case the assertion is skipped.
func NewModel(lockHeld func() bool) *Model {
	return &Model{
		volumes:  make(map[string]*types.Volume),
		lockHeld: lockHeld,
	}
}

func (m *Model) assertLocked() {
	if m.lockHeld != nil && !m.lockHeld() {
		panic("volume: mutation without the cluster lock held")
	}
}

// Find returns the volume with the given name, or nil.
func (m *Model) Find(name string) *types.Volume {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.volumes[name]
}

// Iter calls fn for every volume, in unspecified order, under the read
// lock. fn must not mutate.
func (m *Model) Iter(fn func(v *types.Volume)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.volumes {
		fn(v)
	}
}

// Names returns every volume name currently in the model.
func (m *Model) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.volumes))
	for name := range m.volumes {
		out = append(out, name)
	}
	return out
}

// Add inserts a freshly created volume. The name must be unused and within
// the length bound.
func (m *Model) Add(v *types.Volume) error {
	m.assertLocked()
	if len(v.Name) == 0 || len(v.Name) > MaxNameLen {
		return fmt.Errorf("volume name %q: length must be in [1, %d]", v.Name, MaxNameLen)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.volumes[v.Name]; exists {
		return fmt.Errorf("volume %s already exists", v.Name)
	}
	if v.Options == nil {
		v.Options = make(map[string]string)
	}
	if v.GsyncSlaves == nil {
		v.GsyncSlaves = make(map[string]string)
	}
	v.BrickCount = len(v.Bricks)
	m.volumes[v.Name] = v
	return nil
}

// Restore inserts a volume loaded from the persistent store without
// requiring the cluster lock; it runs only during process start-up.
func (m *Model) Restore(v *types.Volume) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.Options == nil {
		v.Options = make(map[string]string)
	}
	if v.GsyncSlaves == nil {
		v.GsyncSlaves = make(map[string]string)
	}
	m.volumes[v.Name] = v
}

// Delete removes the named volume from the model.
func (m *Model) Delete(name string) error {
	m.assertLocked()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.volumes[name]; !ok {
		return fmt.Errorf("volume %s does not exist", name)
	}
	delete(m.volumes, name)
	return nil
}

// BrickInUse reports whether (hostname, path) already backs any volume, or
// whether path is a prefix (or extension) of an existing brick's path on
// the same host. Nested export directories are rejected because a brick's
// extended attributes and the data under it belong to exactly one volume.
func (m *Model) BrickInUse(hostname, path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.volumes {
		for i := range v.Bricks {
			b := &v.Bricks[i]
			if b.Hostname != hostname {
				continue
			}
			if b.Path == path {
				return fmt.Errorf("brick %s:%s is already part of volume %s", hostname, path, v.Name)
			}
			if pathContains(b.Path, path) || pathContains(path, b.Path) {
				return fmt.Errorf("brick path %s overlaps %s (volume %s)", path, b.Path, v.Name)
			}
		}
	}
	return nil
}

// pathContains reports whether inner lies under outer in the directory
// tree. Plain prefix matching is not enough: /export/a is not an ancestor
// of /export/ab.
func pathContains(outer, inner string) bool {
	outer = strings.TrimRight(outer, "/")
	if !strings.HasPrefix(inner, outer) {
		return false
	}
	rest := inner[len(outer):]
	return len(rest) > 0 && rest[0] == '/'
}

// AddBricks appends bricks to the volume, enforcing the count arithmetic:
// for a non-distribute volume the number added must be a multiple of
// sub_count, except when a replicate volume is still below replica_count
// (the degenerate case while it is being promoted to a full replica set).
func (m *Model) AddBricks(v *types.Volume, bricks []types.Brick) error {
	m.assertLocked()
	if err := checkAddCount(v, len(bricks)); err != nil {
		return err
	}
	for _, b := range bricks {
		if len(b.Path) == 0 || b.Path[0] != '/' || len(b.Path) > MaxPathLen {
			return fmt.Errorf("brick path %q: must be absolute and at most %d bytes", b.Path, MaxPathLen)
		}
		if _, idx := v.BrickByKey(b.Key()); idx >= 0 {
			return fmt.Errorf("brick %s is already part of volume %s", b.Key(), v.Name)
		}
		if err := m.BrickInUse(b.Hostname, b.Path); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v.Bricks = append(v.Bricks, bricks...)
	v.BrickCount = len(v.Bricks)
	recomputeCounts(v)
	return nil
}

// RemoveBricks deletes bricks from the volume by (hostname, path) key.
// Force skips the arithmetic check but never the existence check.
func (m *Model) RemoveBricks(v *types.Volume, keys []string, force bool) error {
	m.assertLocked()
	if !force {
		if err := checkRemoveCount(v, len(keys)); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		_, idx := v.BrickByKey(key)
		if idx < 0 {
			return fmt.Errorf("brick %s is not part of volume %s", key, v.Name)
		}
		v.Bricks = append(v.Bricks[:idx], v.Bricks[idx+1:]...)
	}
	v.BrickCount = len(v.Bricks)
	recomputeCounts(v)
	return nil
}

// ReplaceBrick swaps the brick slot identified by srcKey for dst, keeping
// the slot's position so subvolume membership is unchanged.
func (m *Model) ReplaceBrick(v *types.Volume, srcKey string, dst types.Brick) error {
	m.assertLocked()
	m.mu.Lock()
	defer m.mu.Unlock()
	_, idx := v.BrickByKey(srcKey)
	if idx < 0 {
		return fmt.Errorf("brick %s is not part of volume %s", srcKey, v.Name)
	}
	v.Bricks[idx] = dst
	return nil
}

// SetOption validates and writes one option into the volume's options map.
// Defaults are never materialized here; the volfile generator applies them
// at build time.
func (m *Model) SetOption(v *types.Volume, key, value string) error {
	m.assertLocked()
	if err := ValidateOptionValue(v, key, value); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v.Options[key] = value
	return nil
}

// ResetOption removes one option, or every option when key is empty.
func (m *Model) ResetOption(v *types.Volume, key string) error {
	m.assertLocked()
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		v.Options = make(map[string]string)
		return nil
	}
	if _, ok := v.Options[key]; !ok {
		return fmt.Errorf("option %s is not set on volume %s", key, v.Name)
	}
	delete(v.Options, key)
	return nil
}

// checkAddCount enforces the brick arithmetic for add-brick.
func checkAddCount(v *types.Volume, adding int) error {
	if adding == 0 {
		return fmt.Errorf("no bricks to add")
	}
	if v.Type == types.VolumeNone || v.Type == types.VolumeDistribute {
		return nil
	}
	// A replicate volume still below its replica count is being promoted
	// from a degenerate set; any count that does not overshoot is fine.
	if v.Type == types.VolumeReplicate && v.BrickCount < v.ReplicaCount {
		if v.BrickCount+adding <= v.ReplicaCount {
			return nil
		}
		return fmt.Errorf("volume %s: adding %d bricks would overshoot replica count %d",
			v.Name, adding, v.ReplicaCount)
	}
	if v.SubCount > 0 && adding%v.SubCount != 0 {
		return fmt.Errorf("volume %s: brick count %d to add is not a multiple of %d",
			v.Name, adding, v.SubCount)
	}
	return nil
}

// checkRemoveCount enforces the brick arithmetic for remove-brick.
func checkRemoveCount(v *types.Volume, removing int) error {
	if removing == 0 {
		return fmt.Errorf("no bricks to remove")
	}
	if removing >= v.BrickCount {
		return fmt.Errorf("volume %s: cannot remove all %d bricks", v.Name, v.BrickCount)
	}
	switch v.Type {
	case types.VolumeNone, types.VolumeDistribute:
		return nil
	case types.VolumeStripe:
		if v.BrickCount == v.SubCount {
			return fmt.Errorf("volume %s: cannot remove bricks from a plain stripe at its stripe count", v.Name)
		}
	}
	if v.SubCount > 0 && removing%v.SubCount != 0 {
		return fmt.Errorf("volume %s: brick count %d to remove is not a multiple of %d",
			v.Name, removing, v.SubCount)
	}
	return nil
}

// recomputeCounts refreshes the derived distribute-leaf arithmetic after
// the brick set changes.
func recomputeCounts(v *types.Volume) {
	switch v.Type {
	case types.VolumeReplicate:
		v.SubCount = v.ReplicaCount
		v.DistLeafCount = v.ReplicaCount
	case types.VolumeStripe:
		v.SubCount = v.StripeCount
		v.DistLeafCount = v.StripeCount
	case types.VolumeStripeReplicate:
		v.SubCount = v.StripeCount * v.ReplicaCount
		v.DistLeafCount = v.SubCount
	default:
		v.SubCount = 0
		v.DistLeafCount = 1
	}
}

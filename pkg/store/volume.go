package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/brickd/pkg/types"
)

// reservedVolumeKeys are info-file keys that carry a Volume struct field
// rather than an entry of its Options map.
var reservedVolumeKeys = map[string]bool{
	"type": true, "count": true, "version": true, "status": true,
	"sub_count": true, "stripe_count": true, "replica_count": true,
	"dist_count": true, "volume_id": true, "transport_type": true,
	"username": true, "password": true,
}

func volumeTypeFromInt(n int) types.VolumeType {
	switch n {
	case 1:
		return types.VolumeDistribute
	case 2:
		return types.VolumeStripe
	case 3:
		return types.VolumeReplicate
	case 4:
		return types.VolumeStripeReplicate
	default:
		return types.VolumeNone
	}
}

func transportFromInt(n int) types.TransportType {
	switch n {
	case 1:
		return types.TransportRDMA
	case 2:
		return types.TransportBoth
	default:
		return types.TransportTCP
	}
}

func statusFromInt(n int) types.VolumeStatus {
	switch n {
	case 1:
		return types.VolumeStarted
	case 2:
		return types.VolumeStopped
	default:
		return types.VolumeCreated
	}
}

// marshalVolume renders a Volume's info-file fields, including its Options
// map verbatim. Option defaults are materialized at volfile-generation
// time and never written to disk.
func marshalVolume(v *types.Volume) kv {
	m := kv{
		"type":           strconv.Itoa(int(v.Type)),
		"count":          strconv.Itoa(v.BrickCount),
		"version":        strconv.FormatUint(v.Version, 10),
		"status":         strconv.Itoa(int(v.Status)),
		"sub_count":      strconv.Itoa(v.SubCount),
		"stripe_count":   strconv.Itoa(v.StripeCount),
		"replica_count":  strconv.Itoa(v.ReplicaCount),
		"dist_count":     strconv.Itoa(v.DistLeafCount),
		"volume_id":      v.ID,
		"transport_type": strconv.Itoa(int(v.Transport)),
		"username":       v.Username,
		"password":       v.Password,
	}
	for k, val := range v.Options {
		m[k] = val
	}
	for k, val := range v.GsyncSlaves {
		m["gsync."+k] = val
	}
	return m
}

func unmarshalVolume(name string, m kv) (*types.Volume, error) {
	atoi := func(key string) int {
		n, _ := strconv.Atoi(m[key])
		return n
	}
	version, _ := strconv.ParseUint(m["version"], 10, 64)

	v := &types.Volume{
		Name:          name,
		ID:            m["volume_id"],
		Type:          volumeTypeFromInt(atoi("type")),
		BrickCount:    atoi("count"),
		SubCount:      atoi("sub_count"),
		StripeCount:   atoi("stripe_count"),
		ReplicaCount:  atoi("replica_count"),
		DistLeafCount: atoi("dist_count"),
		Transport:     transportFromInt(atoi("transport_type")),
		Username:      m["username"],
		Password:      m["password"],
		Status:        statusFromInt(atoi("status")),
		Version:       version,
		Options:       make(map[string]string),
		GsyncSlaves:   make(map[string]string),
	}
	for k, val := range m {
		if reservedVolumeKeys[k] {
			continue
		}
		if strings.HasPrefix(k, "gsync.") {
			v.GsyncSlaves[strings.TrimPrefix(k, "gsync.")] = val
			continue
		}
		v.Options[k] = val
	}
	return v, nil
}

func (s *Store) volumeDir(name string) string  { return filepath.Join(s.workDir, "vols", name) }
func (s *Store) infoPath(name string) string   { return filepath.Join(s.volumeDir(name), "info") }
func (s *Store) bricksDir(name string) string  { return filepath.Join(s.volumeDir(name), "bricks") }

// brickFilename is the on-disk basename for one brick record:
// <host>:<exp_path> with the path's slashes turned into hyphens.
func brickFilename(b types.Brick) string {
	return b.Hostname + ":" + strings.ReplaceAll(b.Path, "/", "-")
}

func marshalBrick(b types.Brick) kv {
	dec := "0"
	if b.Decommissioned {
		dec = "1"
	}
	return kv{"hostname": b.Hostname, "path": b.Path, "decommissioned": dec}
}

func unmarshalBrick(m kv) types.Brick {
	return types.Brick{
		Hostname:       m["hostname"],
		Path:           m["path"],
		Decommissioned: m["decommissioned"] == "1",
	}
}

// SaveVolume persists v's info file, per-brick records, and cksum file
// atomically, in that order. Callers reply to clients only after this
// returns, so a committed change is always on disk before it is visible.
func (s *Store) SaveVolume(v *types.Volume) error {
	info := marshalVolume(v)
	if err := writeKV(s.infoPath(v.Name), info); err != nil {
		return fmt.Errorf("save volume %s info: %w", v.Name, err)
	}

	bricksDir := s.bricksDir(v.Name)
	if err := os.MkdirAll(bricksDir, 0o755); err != nil {
		return fmt.Errorf("save volume %s bricks dir: %w", v.Name, err)
	}
	current := make(map[string]bool, len(v.Bricks))
	for _, b := range v.Bricks {
		name := brickFilename(b)
		current[name] = true
		path := filepath.Join(bricksDir, name)
		if err := writeKV(path, marshalBrick(b)); err != nil {
			return fmt.Errorf("save volume %s brick %s: %w", v.Name, b.Key(), err)
		}
	}

	// Prune records for bricks that were removed or replaced, so a reload
	// never resurrects a brick the volume no longer has.
	entries, err := os.ReadDir(bricksDir)
	if err != nil {
		return fmt.Errorf("save volume %s: read bricks dir: %w", v.Name, err)
	}
	for _, e := range entries {
		if e.IsDir() || current[e.Name()] {
			continue
		}
		stale := filepath.Join(bricksDir, e.Name())
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("save volume %s: prune brick record %s: %w", v.Name, e.Name(), err)
		}
	}

	sum := checksum(info)
	if err := writeCksum(s.infoPath(v.Name), sum); err != nil {
		return fmt.Errorf("save volume %s cksum: %w", v.Name, err)
	}
	v.Checksum = sum
	return nil
}

// LoadVolume reads a volume's info file and its brick records, returning an
// error if the info file cannot be parsed. Checksum is a fresh hash of the
// info file; the persisted cksum file is not consulted (VerifyChecksum
// compares the two).
func (s *Store) LoadVolume(name string) (*types.Volume, error) {
	info, err := parseKV(s.infoPath(name))
	if err != nil {
		return nil, fmt.Errorf("load volume %s: %w", name, err)
	}
	v, err := unmarshalVolume(name, info)
	if err != nil {
		return nil, err
	}
	v.Checksum = checksum(info)

	entries, err := os.ReadDir(s.bricksDir(name))
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			bm, err := parseKV(filepath.Join(s.bricksDir(name), e.Name()))
			if err != nil {
				continue
			}
			v.Bricks = append(v.Bricks, unmarshalBrick(bm))
		}
	}
	return v, nil
}

// ListVolumes returns every volume found under <workdir>/vols/.
func (s *Store) ListVolumes() ([]*types.Volume, error) {
	root := filepath.Join(s.workDir, "vols")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	var out []*types.Volume
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := s.LoadVolume(e.Name())
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// DeleteVolume removes the volume's entire directory tree.
func (s *Store) DeleteVolume(name string) error {
	if err := os.RemoveAll(s.volumeDir(name)); err != nil {
		return fmt.Errorf("delete volume %s: %w", name, err)
	}
	return nil
}

// VerifyChecksum reports whether the persisted cksum file agrees with the
// hash of the current info file on disk.
func (s *Store) VerifyChecksum(name string) (bool, error) {
	info, err := parseKV(s.infoPath(name))
	if err != nil {
		return false, err
	}
	want, ok := readCksum(s.infoPath(name))
	if !ok {
		return false, fmt.Errorf("volume %s: no cksum file", name)
	}
	return checksum(info) == want, nil
}

package peer

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/brickd/pkg/events"
	"github.com/cuemby/brickd/pkg/log"
	"github.com/cuemby/brickd/pkg/types"
	"github.com/cuemby/brickd/pkg/volume"
)

// BrickSnapshot is one brick inside a gossiped volume snapshot.
type BrickSnapshot struct {
	Hostname       string `json:"hostname"`
	Path           string `json:"path"`
	Decommissioned bool   `json:"decommissioned"`
}

// VolumeSnapshot is the per-volume record exchanged on friendship
// completion and after every commit.
type VolumeSnapshot struct {
	Name         string            `json:"name"`
	ID           string            `json:"id"`
	Type         int               `json:"type"`
	Version      uint64            `json:"version"`
	Checksum     uint32            `json:"checksum"`
	Status       int               `json:"status"`
	BrickCount   int               `json:"brick_count"`
	SubCount     int               `json:"sub_count"`
	StripeCount  int               `json:"stripe_count"`
	ReplicaCount int               `json:"replica_count"`
	DistCount    int               `json:"dist_count"`
	Transport    int               `json:"transport"`
	Bricks       []BrickSnapshot   `json:"bricks"`
	Options      map[string]string `json:"options"`
}

// Snapshot captures a volume for gossip. Bricks serialize in slot order.
func Snapshot(v *types.Volume) VolumeSnapshot {
	s := VolumeSnapshot{
		Name:         v.Name,
		ID:           v.ID,
		Type:         int(v.Type),
		Version:      v.Version,
		Checksum:     v.Checksum,
		Status:       int(v.Status),
		BrickCount:   v.BrickCount,
		SubCount:     v.SubCount,
		StripeCount:  v.StripeCount,
		ReplicaCount: v.ReplicaCount,
		DistCount:    v.DistLeafCount,
		Transport:    int(v.Transport),
		Options:      make(map[string]string, len(v.Options)),
	}
	for _, b := range v.Bricks {
		s.Bricks = append(s.Bricks, BrickSnapshot{
			Hostname:       b.Hostname,
			Path:           b.Path,
			Decommissioned: b.Decommissioned,
		})
	}
	for k, val := range v.Options {
		s.Options[k] = val
	}
	return s
}

// Materialize converts a snapshot back into a volume record.
func (s VolumeSnapshot) Materialize() *types.Volume {
	v := &types.Volume{
		Name:          s.Name,
		ID:            s.ID,
		Type:          types.VolumeType(s.Type),
		BrickCount:    s.BrickCount,
		SubCount:      s.SubCount,
		StripeCount:   s.StripeCount,
		ReplicaCount:  s.ReplicaCount,
		DistLeafCount: s.DistCount,
		Transport:     types.TransportType(s.Transport),
		Status:        types.VolumeStatus(s.Status),
		Version:       s.Version,
		Checksum:      s.Checksum,
		Options:       make(map[string]string, len(s.Options)),
		GsyncSlaves:   make(map[string]string),
	}
	for _, b := range s.Bricks {
		v.Bricks = append(v.Bricks, types.Brick{
			Hostname:       b.Hostname,
			Path:           b.Path,
			Decommissioned: b.Decommissioned,
		})
	}
	for k, val := range s.Options {
		v.Options[k] = val
	}
	return v
}

// EncodeSnapshots serializes a snapshot set for the wire.
func EncodeSnapshots(snaps []VolumeSnapshot) ([]byte, error) {
	return json.Marshal(snaps)
}

// DecodeSnapshots parses a snapshot set off the wire.
func DecodeSnapshots(data []byte) ([]VolumeSnapshot, error) {
	var snaps []VolumeSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// CompareStatus is the verdict for one gossiped volume.
type CompareStatus int

const (
	// StatusInSync means local and remote agree.
	StatusInSync CompareStatus = iota
	// StatusLocalNewer means our version wins; the remote should update.
	StatusLocalNewer
	// StatusUpdateRequired means the remote version wins; import it.
	StatusUpdateRequired
	// StatusReject means split-brain: equal versions, different checksums.
	StatusReject
)

func (s CompareStatus) String() string {
	switch s {
	case StatusLocalNewer:
		return "SCS"
	case StatusUpdateRequired:
		return "UPDATE_REQ"
	case StatusReject:
		return "RJT"
	default:
		return "IN_SYNC"
	}
}

// CompareFriendVolume ranks one remote snapshot against the local volume
// (nil when we have no volume of that name).
func CompareFriendVolume(local *types.Volume, remote VolumeSnapshot) CompareStatus {
	if local == nil {
		return StatusUpdateRequired
	}
	switch {
	case local.Version > remote.Version:
		return StatusLocalNewer
	case local.Version < remote.Version:
		return StatusUpdateRequired
	case local.Checksum != remote.Checksum:
		return StatusReject
	default:
		return StatusInSync
	}
}

// MergePlan is the outcome of comparing a full gossip exchange: which
// snapshots to import, which stale local bricks to stop (present locally
// but absent from the imported remote set), and which local volumes are
// newer and should be pushed back.
type MergePlan struct {
	Imports     []*types.Volume
	StaleBricks map[string][]types.Brick // volume name -> bricks to stop
	PushBack    []string                 // volumes where local is newer
}

// PlanMerge runs CompareFriendVolume over every snapshot. Any split-brain
// rejects the whole merge: no partial import happens, the operator has to
// resolve it by hand.
func PlanMerge(model *volume.Model, snapshots []VolumeSnapshot, broker *events.Broker) (*MergePlan, error) {
	logger := log.WithComponent("gossip")
	plan := &MergePlan{StaleBricks: make(map[string][]types.Brick)}

	for _, snap := range snapshots {
		local := model.Find(snap.Name)
		switch CompareFriendVolume(local, snap) {
		case StatusReject:
			if broker != nil {
				broker.Publish(&events.Event{
					Type:    events.EventBrickSplitBrain,
					Message: fmt.Sprintf("volume %s: version %d on both sides but checksums differ", snap.Name, snap.Version),
					Metadata: map[string]string{
						"volume":  snap.Name,
						"version": fmt.Sprintf("%d", snap.Version),
					},
				})
			}
			logger.Error().
				Str("volume", snap.Name).
				Uint64("version", snap.Version).
				Msg("split-brain detected, rejecting gossip merge")
			return nil, fmt.Errorf("volume %s: split-brain at version %d, refusing to merge", snap.Name, snap.Version)
		case StatusUpdateRequired:
			plan.Imports = append(plan.Imports, snap.Materialize())
			if local != nil {
				remoteSet := make(map[string]bool, len(snap.Bricks))
				for _, b := range snap.Bricks {
					remoteSet[b.Hostname+":"+b.Path] = true
				}
				for _, b := range local.Bricks {
					if !remoteSet[b.Key()] {
						plan.StaleBricks[snap.Name] = append(plan.StaleBricks[snap.Name], b)
					}
				}
			}
		case StatusLocalNewer:
			plan.PushBack = append(plan.PushBack, snap.Name)
		}
	}
	return plan, nil
}

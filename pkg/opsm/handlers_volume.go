package opsm

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/cuemby/brickd/pkg/brick"
	"github.com/cuemby/brickd/pkg/events"
	"github.com/cuemby/brickd/pkg/types"
	"github.com/cuemby/brickd/pkg/volume"
)

func stageCreateVolume(env *Env, dict types.Dict) error {
	name, err := dict.MustGet("volname")
	if err != nil {
		return err
	}
	if len(name) > volume.MaxNameLen {
		return fmt.Errorf("volume name exceeds %d bytes", volume.MaxNameLen)
	}
	if env.Model.Find(name) != nil {
		return fmt.Errorf("volume %s already exists", name)
	}

	bricks, err := parseBricks(dict)
	if err != nil {
		return err
	}
	for _, b := range bricks {
		if len(b.Path) > volume.MaxPathLen {
			return fmt.Errorf("brick path %s exceeds %d bytes", b.Path, volume.MaxPathLen)
		}
		if err := env.Model.BrickInUse(b.Hostname, b.Path); err != nil {
			return err
		}
		// A local export directory already stamped for another volume
		// rejects the create before anything mutates.
		if env.IsLocalBrick(b) {
			if owner, err := brick.ReadVolumeID(b.Path); err == nil && owner != "" {
				return fmt.Errorf("brick %s already belongs to volume %s", b.Key(), owner)
			}
		}
	}

	replica, _ := strconv.Atoi(dict["replica-count"])
	stripe, _ := strconv.Atoi(dict["stripe-count"])
	if replica > 1 && len(bricks)%replica != 0 {
		return fmt.Errorf("brick count %d is not a multiple of replica count %d", len(bricks), replica)
	}
	if stripe > 1 && len(bricks)%stripe != 0 {
		return fmt.Errorf("brick count %d is not a multiple of stripe count %d", len(bricks), stripe)
	}
	if replica > 1 && stripe > 1 && len(bricks)%(replica*stripe) != 0 {
		return fmt.Errorf("brick count %d is not a multiple of replica*stripe %d", len(bricks), replica*stripe)
	}
	return nil
}

func commitCreateVolume(env *Env, dict types.Dict) error {
	name := dict["volname"]
	bricks, err := parseBricks(dict)
	if err != nil {
		return err
	}

	replica, _ := strconv.Atoi(dict["replica-count"])
	stripe, _ := strconv.Atoi(dict["stripe-count"])

	v := &types.Volume{
		Name:        name,
		Status:      types.VolumeCreated,
		Bricks:      bricks,
		Options:     make(map[string]string),
		GsyncSlaves: make(map[string]string),
	}

	// The initiator generates the volume UUID; participants reuse it from
	// the dict so every peer agrees on the identity.
	if id, ok := dict.Get("volume-id"); ok {
		v.ID = id
	} else {
		v.ID = uuid.New().String()
		dict["volume-id"] = v.ID
	}

	switch {
	case replica > 1 && stripe > 1:
		v.Type = types.VolumeStripeReplicate
		v.ReplicaCount = replica
		v.StripeCount = stripe
		v.SubCount = replica * stripe
		v.DistLeafCount = v.SubCount
	case replica > 1:
		v.Type = types.VolumeReplicate
		v.ReplicaCount = replica
		v.SubCount = replica
		v.DistLeafCount = replica
	case stripe > 1:
		v.Type = types.VolumeStripe
		v.StripeCount = stripe
		v.SubCount = stripe
		v.DistLeafCount = stripe
	default:
		v.Type = types.VolumeDistribute
		v.DistLeafCount = 1
	}

	switch dict["transport"] {
	case "rdma":
		v.Transport = types.TransportRDMA
	case "tcp,rdma":
		v.Transport = types.TransportBoth
	default:
		v.Transport = types.TransportTCP
	}
	v.Username = dict["username"]
	v.Password = dict["password"]

	if err := env.Model.Add(v); err != nil {
		return err
	}

	for _, b := range v.Bricks {
		if !env.IsLocalBrick(b) {
			continue
		}
		if err := os.MkdirAll(b.Path, 0o755); err != nil {
			return fmt.Errorf("create brick directory %s: %w", b.Path, err)
		}
		if err := brick.StampVolumeID(b.Path, v.ID); err != nil {
			return err
		}
	}

	if err := commitVolume(env, v); err != nil {
		return err
	}
	env.publish(events.EventVolumeCreated, v, "volume created")
	return nil
}

func stageStartVolume(env *Env, dict types.Dict) error {
	_, err := mustVolume(env, dict)
	return err
}

func commitStartVolume(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	// Starting a started volume is a successful no-op.
	if v.Status == types.VolumeStarted && dict["force"] != "on" {
		return nil
	}

	v.Status = types.VolumeStarted
	if err := commitVolume(env, v); err != nil {
		return err
	}
	if err := startLocalBricks(env, v); err != nil {
		return err
	}
	env.publish(events.EventVolumeStarted, v, "volume started")
	return nil
}

func stageStopVolume(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	if v.Status != types.VolumeStarted && dict["force"] != "on" {
		return fmt.Errorf("volume %s is not started", v.Name)
	}
	return nil
}

func commitStopVolume(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	stopLocalBricks(env, v, dict["force"] == "on")
	v.Status = types.VolumeStopped
	if err := commitVolume(env, v); err != nil {
		return err
	}
	env.publish(events.EventVolumeStopped, v, "volume stopped")
	return nil
}

func stageDeleteVolume(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	if v.Status == types.VolumeStarted {
		return fmt.Errorf("volume %s must be stopped before delete", v.Name)
	}
	return nil
}

func commitDeleteVolume(env *Env, dict types.Dict) error {
	v, err := mustVolume(env, dict)
	if err != nil {
		return err
	}
	for _, b := range v.Bricks {
		if env.IsLocalBrick(b) {
			_ = brick.ClearVolumeID(b.Path)
		}
	}
	if err := env.Model.Delete(v.Name); err != nil {
		return err
	}
	if err := env.Store.DeleteVolume(v.Name); err != nil {
		return err
	}
	env.publish(events.EventVolumeDeleted, v, "volume deleted")
	return nil
}

// publish emits a volume lifecycle event when a broker is wired.
func (e *Env) publish(typ events.EventType, v *types.Volume, msg string) {
	if e.Broker == nil {
		return
	}
	e.Broker.Publish(&events.Event{
		Type:    typ,
		Message: fmt.Sprintf("%s: %s", msg, v.Name),
		Metadata: map[string]string{
			"volume":  v.Name,
			"version": strconv.FormatUint(v.Version, 10),
		},
	})
}

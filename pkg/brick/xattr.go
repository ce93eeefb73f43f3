package brick

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/pkg/xattr"

	"github.com/cuemby/brickd/pkg/log"
)

// volumeIDAttr records which volume owns a brick's export directory.
const volumeIDAttr = "trusted.brickd.volume-id"

// StampVolumeID writes the owning volume's UUID onto the export directory.
// A pre-existing stamp for a different volume rejects the add: the
// directory already belongs to someone else.
func StampVolumeID(path, volumeID string) error {
	existing, err := xattr.Get(path, volumeIDAttr)
	if err == nil {
		if string(existing) == volumeID {
			return nil
		}
		return fmt.Errorf("brick %s already belongs to volume %s", path, existing)
	}
	if err := xattr.Set(path, volumeIDAttr, []byte(volumeID)); err != nil {
		// A filesystem without extended attributes loses the ownership
		// stamp but can still serve bricks; cross-volume reuse is then
		// only caught by the in-memory path checks.
		if errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EPERM) {
			log.WithBrick(path).Warn().Err(err).Msg("filesystem does not support the volume-id attribute")
			return nil
		}
		return fmt.Errorf("brick %s: stamp volume id: %w", path, err)
	}
	return nil
}

// ReadVolumeID returns the volume UUID stamped on the export directory.
func ReadVolumeID(path string) (string, error) {
	data, err := xattr.Get(path, volumeIDAttr)
	if err != nil {
		return "", fmt.Errorf("brick %s: read volume id: %w", path, err)
	}
	return string(data), nil
}

// ClearVolumeID removes the ownership stamp, used when a volume is deleted
// so the directory can back a new volume later.
func ClearVolumeID(path string) error {
	if err := xattr.Remove(path, volumeIDAttr); err != nil {
		return fmt.Errorf("brick %s: clear volume id: %w", path, err)
	}
	return nil
}

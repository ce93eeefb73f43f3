package brick

import (
	"testing"

	"github.com/pkg/xattr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStampVolumeID(t *testing.T) {
	dir := t.TempDir()

	// Probe for xattr support before asserting on it.
	if err := xattr.Set(dir, volumeIDAttr, []byte("probe")); err != nil {
		t.Skipf("filesystem does not support the volume-id attribute: %v", err)
	}
	require.NoError(t, xattr.Remove(dir, volumeIDAttr))

	require.NoError(t, StampVolumeID(dir, "11111111-2222-3333-4444-555555555555"))

	id, err := ReadVolumeID(dir)
	require.NoError(t, err)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", id)

	// Re-stamping with the same id is idempotent.
	assert.NoError(t, StampVolumeID(dir, "11111111-2222-3333-4444-555555555555"))

	// A different volume cannot claim the directory.
	assert.Error(t, StampVolumeID(dir, "99999999-8888-7777-6666-555555555555"))

	require.NoError(t, ClearVolumeID(dir))
	assert.NoError(t, StampVolumeID(dir, "99999999-8888-7777-6666-555555555555"))
}

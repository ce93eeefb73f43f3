// Package types holds the plain data structures shared across brickd's
// cluster-management components: peers, volumes, bricks, translator types
// and volfile roles, option map entries, the cluster lock, and the pending
// operation context. Nothing in this package has behavior beyond small, obviously
// correct helpers (e.g. Brick.Key); mutation lives in the owning component.
//
// # Cyclic references
//
// The system this package models historically represented volumes and
// bricks as a cyclic graph: a volume owned a linked list of bricks, and each
// brick held a pointer back to its owning volume. That shape does not
// survive a port to a language with explicit ownership. Here a Volume owns
// its Bricks by value in an ordered slice; nothing holds a Brick pointer
// across a commit boundary, and callers that need "the volume owning this
// brick" look it up by (hostname, path) through the volume model instead of
// following a back-pointer.
//
// # Arena-free indices
//
// Bricks do not carry a volume index or pointer at all. The volume model
// (pkg/volume) is the only thing that associates a Brick with a Volume; a
// Brick handle passed across a package boundary is just the value, and the
// caller is expected to already hold (or look up) the owning Volume.
package types

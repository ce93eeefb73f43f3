/*
Package peer maintains the trusted pool: the registry of known peers, the
friendship state machine each peer record moves through, and the gossip
comparison that reconciles volume configuration between peers.

The registry is a UUID-keyed table with a hostname index, protected by a
single lock. Friendship state changes through state machine events, which
Registry.Event applies on the calling goroutine under that lock; each
applied transition is appended to the peer's bounded TransitionLog, where
the recent history of any peer can be read in-process. No RPC exposes it.

Gossip exchanges per-volume snapshots (name, type, version, checksum,
bricks, options). The receiver compares each snapshot against its local
volume: a higher remote version imports, a higher local version keeps, and
equal versions with different checksums is split-brain and rejects the
whole merge rather than overwrite either side.
*/
package peer

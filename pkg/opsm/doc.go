/*
Package opsm drives cluster operations through their two-phase lifecycle:

	LOCK -> STAGE -> COMMIT -> UNLOCK

Begin is the only entry point. It acquires the cluster lock locally and on
every connected befriended peer, runs the operation's stage validator
everywhere, then its commit everywhere, then unlocks. A stage failure
anywhere aborts before anything mutates; a commit failure on a peer is
logged and reported as a partial-failure warning while the local commit
stands, with gossip reconciling the stragglers.

Each operation registers a handler with a stage validator, a commit
mutator, and an optional post-commit hook. Commits mutate the volume model
under the cluster lock, persist through the store before Begin returns,
and regenerate the volfiles the data-path processes consume.

Every phase transition lands in a bounded ring log, readable in-process
through FsmLog (no RPC exposes it), and each phase is bounded by a timeout so a silent peer can never wedge
the machine: the phase fails, the lock is released, and the client gets a
timeout error.
*/
package opsm

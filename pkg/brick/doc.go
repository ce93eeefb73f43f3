/*
Package brick supervises the data-path server process behind each brick:
spawning it with its generated volfile, tracking it through a pidfile under
an advisory lock, allocating its listen port from the port-map registry,
and stopping it with escalating signals.

The start protocol is deliberately idempotent. A pidfile whose lock is held
by another process means the brick is already running and start degrades to
a connect; a missing pidfile means it is not running and stop is a no-op.
Each brick's export directory carries an extended attribute recording the
owning volume's UUID, written on first use when no stamp is present (a read
followed by a write); a stamp naming a different volume is refused, so a
directory cannot be silently reused by a second volume.
*/
package brick

/*
Package volume implements the in-memory volume model: the authoritative set
of volume configurations on this peer, their bricks, and their options.

All mutators (Add, AddBricks, RemoveBricks, ReplaceBrick, SetOption,
ResetOption, Delete) are meant to run inside an operation commit while the cluster lock
is held; they assert the lock rather than taking it. Reads (Find, Iter) are
safe at any time under the model's own read lock.

The package also owns the global option map: the table that associates a
public option key like "performance.cache-size" with the translator type it
configures, its internal option name, its default, and its value validator.
Keys whose internal name starts with '!' are special-cased by the volfile
generator instead of being copied verbatim into a translator's options.
*/
package volume

/*
Package volfile generates translator-graph configuration documents for the
data-path processes: brick servers, clients (fuse mounts), the NFS server,
the self-heal daemon, and rebalance workers.

A volfile is a DAG of translator instances serialized leaves-first as text
blocks:

	volume gv0-client-0
	    type protocol/client
	    option remote-host host1
	    option remote-subvolume /export/b1
	    option transport-type tcp
	end-volume

	volume gv0-replicate-0
	    type cluster/replicate
	    subvolumes gv0-client-0 gv0-client-1
	end-volume

Graphs are built by successive Add calls that prepend a node over the
current root, plus cluster windows (BuildClusters) that group the current
leaves under replicate/stripe layers; distribute and the NFS server sit
over every remaining root through AddOver. Generation is a pure
function of the volume state and the global option map, so building twice
for the same (volume, role) yields byte-identical output.

Serialization writes to a ".tmp" sibling, renames into place, then runs
every executable in the filter directory with the volfile path as its only
argument, letting site-local filters rewrite the file in place.
*/
package volfile

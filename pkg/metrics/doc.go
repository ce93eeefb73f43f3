/*
Package metrics provides Prometheus metrics collection and exposition for
brickd.

Metrics cover the cluster management plane (peer counts by friendship
state, volume/brick counts by status, cluster-lock hold/wait, Op-SM phase
duration and commit/failure counters, volfile generation duration, brick
process liveness) and the RDMA transport (send credits and post-pool size
per peer/queue). All are registered at package init and exposed via
Handler() for scraping.

	http.Handle("/metrics", metrics.Handler())

Collector periodically samples a ClusterView (satisfied by the daemon's
cluster wiring) into the gauge metrics; Timer is a small helper for
recording histogram observations around a block of code:

	timer := metrics.NewTimer()
	err := h.Commit(env, dict)
	timer.ObserveDurationVec(metrics.OpPhaseDuration, string(op), "commit")
*/
package metrics

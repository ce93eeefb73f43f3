package metrics

import (
	"time"

	"github.com/cuemby/brickd/pkg/types"
)

// ClusterView is the read-only surface the collector polls to derive gauge
// values. The daemon wiring satisfies it; defining the interface here keeps
// metrics free of dependencies on the packages it observes.
type ClusterView interface {
	ListPeers() ([]*types.Peer, error)
	ListVolumes() ([]*types.Volume, error)
	LockHolder() (types.PeerID, bool)
}

// Collector periodically samples cluster state into the package's gauges.
type Collector struct {
	view   ClusterView
	self   types.PeerID
	stopCh chan struct{}
}

// NewCollector creates a collector that samples view every tick, labeling
// the cluster-lock gauge from the perspective of self.
func NewCollector(view ClusterView, self types.PeerID) *Collector {
	return &Collector{view: view, self: self, stopCh: make(chan struct{})}
}

// Start begins collecting metrics on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectPeerMetrics()
	c.collectVolumeMetrics()
	c.collectLockMetrics()
}

func (c *Collector) collectPeerMetrics() {
	peers, err := c.view.ListPeers()
	if err != nil {
		return
	}

	counts := make(map[string]map[string]int)
	for _, p := range peers {
		friend := string(p.Friend)
		conn := string(p.Conn)
		if counts[friend] == nil {
			counts[friend] = make(map[string]int)
		}
		counts[friend][conn]++
	}

	for friend, conns := range counts {
		for conn, n := range conns {
			PeersTotal.WithLabelValues(friend, conn).Set(float64(n))
		}
	}
}

func (c *Collector) collectVolumeMetrics() {
	volumes, err := c.view.ListVolumes()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	bricks := make(map[string]int)
	for _, v := range volumes {
		counts[v.Status.String()]++
		for _, b := range v.Bricks {
			if b.Status == types.BrickStarted {
				bricks["started"]++
			} else {
				bricks["stopped"]++
			}
		}
	}

	for status, n := range counts {
		VolumesTotal.WithLabelValues(status).Set(float64(n))
	}
	for status, n := range bricks {
		BricksTotal.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) collectLockMetrics() {
	holder, held := c.view.LockHolder()
	if held && holder == c.self {
		ClusterLockHeld.Set(1)
	} else {
		ClusterLockHeld.Set(0)
	}
}

package volfile

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cuemby/brickd/pkg/types"
	"github.com/cuemby/brickd/pkg/volume"
)

// Builder generates translator graphs for every data-path role. WorkDir
// locates per-volume files the graphs reference (marker timestamp files);
// FilterDir is handed to WriteFile.
type Builder struct {
	WorkDir   string
	FilterDir string
}

// perfOrder fixes the stacking order of the performance chain. Presence of
// each layer is controlled by its "!perf" option map entry.
var perfOrder = []string{
	"performance.write-behind",
	"performance.read-ahead",
	"performance.io-cache",
	"performance.quick-read",
	"performance.stat-prefetch",
	"performance.client-io-threads",
}

// nfsPerfDefaults is the "!nfsperf" policy: under the NFS server every
// performance translator defaults off except write-behind.
var nfsPerfDefaults = map[string]string{
	"performance.write-behind":      "on",
	"performance.read-ahead":        "off",
	"performance.io-cache":          "off",
	"performance.quick-read":        "off",
	"performance.stat-prefetch":     "off",
	"performance.client-io-threads": "off",
}

// effective resolves an option key against overrides, then the volume's
// options, then the table default.
func effective(v *types.Volume, overrides types.Dict, key string) string {
	if overrides != nil {
		if val, ok := overrides[key]; ok {
			return val
		}
	}
	if val, ok := volume.EffectiveOption(v, key); ok {
		return val
	}
	return ""
}

// internalName is the option name written into a translator's block: the
// map entry's internal name when present, else the public key's last
// dot-separated segment.
func internalName(e types.OptionMapEntry) string {
	if e.Internal != "" {
		return e.Internal
	}
	if idx := strings.LastIndexByte(e.Key, '.'); idx >= 0 {
		return e.Key[idx+1:]
	}
	return e.Key
}

// applyOptions walks the global option map and copies every non-special
// entry with an effective value onto the matching translator nodes.
// Special entries are handled by the role builders.
func applyOptions(g *Graph, v *types.Volume, overrides types.Dict) {
	for _, e := range volume.Table {
		val := effective(v, overrides, e.Key)
		if val == "" {
			continue
		}
		if e.Special() {
			if e.Internal == "!server-auth" {
				applyServerAuth(g, e.Key, val)
			}
			continue
		}
		for _, n := range g.FindByType(e.Target) {
			n.SetOption(internalName(e), val)
		}
	}
}

// applyServerAuth fans auth.allow/auth.reject out per child of every
// protocol/server node: auth.addr.<child>.<allow|reject> = value.
func applyServerAuth(g *Graph, key, value string) {
	tail := key[strings.IndexByte(key, '.')+1:]
	for _, srv := range g.FindByType(types.XlatorProtocolServer) {
		for _, child := range srv.Children {
			srv.SetOption(fmt.Sprintf("auth.addr.%s.%s", child.Name, tail), value)
		}
	}
}

// splitBrickKey splits a "<hostname>:<export-path>" key.
func splitBrickKey(key string) (host, path string, ok bool) {
	idx := strings.IndexByte(key, ':')
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

func (b *Builder) tstampFile(v *types.Volume) string {
	return filepath.Join(b.WorkDir, "vols", v.Name, "marker.tstamp")
}

// clientTransport maps the volume transport to what a protocol/client can
// dial; a tcp,rdma volume is mounted over tcp.
func clientTransport(t types.TransportType) string {
	if t == types.TransportBoth {
		return "tcp"
	}
	return t.String()
}

// BuildServer produces the brick server graph for one export path:
// posix -> access-control -> locks -> io-threads [-> pump] -> marker ->
// io-stats (named by the export path) -> server.
func (b *Builder) BuildServer(v *types.Volume, brickPath string, overrides types.Dict) (*Graph, error) {
	g := NewGraph()

	posix := g.Add(types.XlatorPosix, v.Name)
	posix.SetOption("directory", brickPath)
	posix.SetOption("volume-id", v.ID)

	g.Add(types.XlatorAccessControl, v.Name)
	g.Add(types.XlatorLocks, v.Name)
	g.Add(types.XlatorIOThreads, v.Name)

	// During replace-brick a pump translator bridges the serving chain and
	// a maintenance client pointed at the replacement brick. The target is
	// the rb-dst key the replace-brick commit records on the volume, so
	// every regeneration of this volfile carries it, not just the first.
	if volume.ParseBool(effective(v, overrides, "enable-pump")) {
		rb := g.AddLeaf(types.XlatorProtocolClient, v.Name+"-replace-brick")
		rb.SetOption("transport-type", clientTransport(v.Transport))
		if host, path, ok := splitBrickKey(effective(v, overrides, "rb-dst")); ok {
			rb.SetOption("remote-host", host)
			rb.SetOption("remote-subvolume", path)
		}
		g.AddOver(types.XlatorPump, v.Name+"-pump")
	}

	marker := g.Add(types.XlatorMarker, v.Name)
	marker.SetOption("volume-uuid", v.ID)
	marker.SetOption("timestamp-file", b.tstampFile(v))
	marker.SetOption("xtime", boolWord(effective(v, overrides, "features.marker.xtime")))
	marker.SetOption("quota", boolWord(effective(v, overrides, "features.quota")))

	g.AddAs(types.XlatorIOStats, brickPath)

	srv := g.Add(types.XlatorProtocolServer, v.Name)
	srv.SetOption("transport-type", v.Transport.String())
	if v.Username != "" {
		srv.SetOption(fmt.Sprintf("auth.login.%s.allow", brickPath), v.Username)
		srv.SetOption(fmt.Sprintf("auth.login.%s.password", v.Username), v.Password)
	}

	applyOptions(g, v, overrides)
	return g, nil
}

func boolWord(val string) string {
	if volume.ParseBool(val) {
		return "on"
	}
	return "off"
}

// buildClientLayers adds the per-brick clients and the cluster layers into
// g, leaving the graph rooted at the top cluster (or the lone client).
func buildClientLayers(g *Graph, v *types.Volume, transport string) error {
	if v.BrickCount == 0 || len(v.Bricks) != v.BrickCount {
		return fmt.Errorf("volume %s inconsistency: brick count %d, bricks %d",
			v.Name, v.BrickCount, len(v.Bricks))
	}
	if v.DistLeafCount > 0 && v.DistLeafCount < v.BrickCount && v.BrickCount%v.DistLeafCount != 0 {
		return fmt.Errorf("volume %s inconsistency: %d bricks not divisible by %d per subvolume",
			v.Name, v.BrickCount, v.DistLeafCount)
	}

	for i, brick := range v.Bricks {
		c := g.AddLeaf(types.XlatorProtocolClient, fmt.Sprintf("%s-client-%d", v.Name, i))
		c.SetOption("remote-host", brick.Hostname)
		c.SetOption("remote-subvolume", brick.Path)
		c.SetOption("transport-type", transport)
	}

	if v.DistLeafCount > 1 {
		switch v.Type {
		case types.VolumeReplicate:
			if _, err := g.BuildClusters(types.XlatorReplicate, "%s-replicate-%d", v.Name, v.BrickCount, v.ReplicaCount); err != nil {
				return err
			}
		case types.VolumeStripe:
			if _, err := g.BuildClusters(types.XlatorStripe, "%s-stripe-%d", v.Name, v.BrickCount, v.StripeCount); err != nil {
				return err
			}
		case types.VolumeStripeReplicate:
			// Replicate first, stripe on top.
			clusters, err := g.BuildClusters(types.XlatorReplicate, "%s-replicate-%d", v.Name, v.BrickCount, v.ReplicaCount)
			if err != nil {
				return err
			}
			if _, err := g.BuildClusters(types.XlatorStripe, "%s-stripe-%d", v.Name, clusters, v.StripeCount); err != nil {
				return err
			}
		default:
			return fmt.Errorf("volume %s inconsistency: unrecognized clustering type", v.Name)
		}
	}

	if v.DistLeafCount > 0 {
		if distCount := v.BrickCount / v.DistLeafCount; distCount > 1 {
			dht := g.AddOver(types.XlatorDistribute, v.Name+"-dht")
			if decom := decommissionedChildren(dht, v); len(decom) > 0 {
				dht.SetOption("decommissioned-bricks", strings.Join(decom, " "))
			}
		}
	}
	return nil
}

// decommissionedChildren lists the dht children any of whose descendant
// protocol/client leaves points at a decommissioned brick.
func decommissionedChildren(dht *Node, v *types.Volume) []string {
	var out []string
	for _, child := range dht.Children {
		if hasDecommissionedLeaf(child, v) {
			out = append(out, child.Name)
		}
	}
	return out
}

func hasDecommissionedLeaf(n *Node, v *types.Volume) bool {
	if n.Type == types.XlatorProtocolClient {
		key := n.Options["remote-host"] + ":" + n.Options["remote-subvolume"]
		b, _ := v.BrickByKey(key)
		return b != nil && b.Decommissioned
	}
	for _, c := range n.Children {
		if hasDecommissionedLeaf(c, v) {
			return true
		}
	}
	return false
}

// addPerfChain stacks the performance translators whose "!perf" option
// resolves to true, in fixed order. Each node is named "<volname>-<short>".
func addPerfChain(g *Graph, v *types.Volume, overrides types.Dict, defaults map[string]string) {
	for _, key := range perfOrder {
		entries := volume.LookupOption(key)
		if len(entries) == 0 {
			continue
		}
		val := ""
		if overrides != nil {
			val = overrides[key]
		}
		if val == "" {
			if setVal, ok := v.Options[key]; ok {
				val = setVal
			} else if defaults != nil {
				val = defaults[key]
			} else {
				val = entries[0].Default
			}
		}
		if volume.ParseBool(val) {
			g.Add(entries[0].Target, v.Name)
		}
	}
}

// BuildClient produces the mount-side graph: per-brick clients, cluster
// layers bottom-up, optional quota, the performance chain, and an io-stats
// root named after the volume.
func (b *Builder) BuildClient(v *types.Volume, transport types.TransportType, overrides types.Dict) (*Graph, error) {
	g := NewGraph()
	if err := buildClientLayers(g, v, clientTransport(transport)); err != nil {
		return nil, err
	}

	if volume.ParseBool(effective(v, overrides, "features.quota")) {
		g.Add(types.XlatorQuota, v.Name)
	}

	addPerfChain(g, v, overrides, nil)
	g.AddAs(types.XlatorIOStats, v.Name)

	applyOptions(g, v, overrides)
	return g, nil
}

// BuildNFS produces the NFS server graph: one client subgraph per started
// volume not marked nfs.disable (performance policy: everything off except
// write-behind), all under a single nfs/server node.
func (b *Builder) BuildNFS(volumes []*types.Volume, overrides types.Dict) (*Graph, error) {
	g := NewGraph()
	var exported []*types.Volume
	for _, v := range volumes {
		if v.Status != types.VolumeStarted {
			continue
		}
		if volume.ParseBool(effective(v, overrides, "nfs.disable")) {
			continue
		}
		// Each volume's subgraph is built standalone so its options only
		// land on its own nodes, then merged under the nfs server.
		sub := NewGraph()
		if err := buildClientLayers(sub, v, clientTransport(v.Transport)); err != nil {
			return nil, err
		}
		addPerfChain(sub, v, overrides, nfsPerfDefaults)
		sub.AddAs(types.XlatorIOStats, v.Name)
		applyOptions(sub, v, overrides)
		g.Merge(sub)
		exported = append(exported, v)
	}
	if len(exported) == 0 {
		return nil, fmt.Errorf("no started volumes to export over nfs")
	}

	nfs := g.AddOver(types.XlatorNFSServer, "nfs-server")
	nfs.SetOption("nfs.dynamic-volumes", "on")
	for _, v := range exported {
		nfs.SetOption(fmt.Sprintf("nfs3.%s.volume-id", v.Name), v.ID)
		if allow := effective(v, overrides, "nfs.rpc-auth-allow"); allow != "" {
			nfs.SetOption(fmt.Sprintf("rpc-auth.addr.%s.allow", v.Name), allow)
		}
		if reject := effective(v, overrides, "nfs.rpc-auth-reject"); reject != "" {
			nfs.SetOption(fmt.Sprintf("rpc-auth.addr.%s.reject", v.Name), reject)
		}
	}
	return g, nil
}

// BuildSHD produces the self-heal daemon graph: for every started replicate
// volume, its clients plus one replicate layer with self-heal forced on,
// all under a top-level io-stats named glustershd.
func (b *Builder) BuildSHD(volumes []*types.Volume, overrides types.Dict) (*Graph, error) {
	g := NewGraph()
	built := 0
	for _, v := range volumes {
		if v.Status != types.VolumeStarted {
			continue
		}
		if v.Type != types.VolumeReplicate && v.Type != types.VolumeStripeReplicate {
			continue
		}
		for i, brick := range v.Bricks {
			c := g.AddLeaf(types.XlatorProtocolClient, fmt.Sprintf("%s-client-%d", v.Name, i))
			c.SetOption("remote-host", brick.Hostname)
			c.SetOption("remote-subvolume", brick.Path)
			c.SetOption("transport-type", clientTransport(v.Transport))
		}
		before := len(g.nodes)
		if _, err := g.BuildClusters(types.XlatorReplicate, "%s-replicate-%d", v.Name, v.BrickCount, v.ReplicaCount); err != nil {
			return nil, err
		}
		for _, repl := range g.nodes[before:] {
			repl.SetOption("background-self-heal-count", "0")
			repl.SetOption("data-self-heal", "on")
			repl.SetOption("metadata-self-heal", "on")
			repl.SetOption("entry-self-heal", "on")
			repl.SetOption("self-heal-daemon", "on")
		}
		built++
	}
	if built == 0 {
		return nil, fmt.Errorf("no started replicate volumes for self-heal")
	}
	g.AddOver(types.XlatorIOStats, "glustershd")
	return g, nil
}

// BuildRebalance produces the maintenance-mount graph a rebalance worker
// uses: clients and cluster layers only, no performance chain, rooted at
// an io-stats named "<volname>-rebalance".
func (b *Builder) BuildRebalance(v *types.Volume) (*Graph, error) {
	g := NewGraph()
	if err := buildClientLayers(g, v, clientTransport(v.Transport)); err != nil {
		return nil, err
	}
	g.AddAs(types.XlatorIOStats, v.Name+"-rebalance")
	applyOptions(g, v, nil)
	return g, nil
}

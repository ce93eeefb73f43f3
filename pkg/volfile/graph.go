package volfile

import (
	"fmt"
	"strings"

	"github.com/cuemby/brickd/pkg/types"
)

// Node is one translator instance in a graph.
type Node struct {
	Name     string
	Type     types.TranslatorType
	Options  map[string]string
	Children []*Node
}

// SetOption records one option on the node.
func (n *Node) SetOption(key, value string) {
	if n.Options == nil {
		n.Options = make(map[string]string)
	}
	n.Options[key] = value
}

// Graph is a translator graph under construction. Nodes are kept in add
// order (leaves first); roots tracks the nodes not yet linked under a
// parent, in creation order.
type Graph struct {
	nodes []*Node
	roots []*Node
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Nodes returns every node in add order, leaves first.
func (g *Graph) Nodes() []*Node { return g.nodes }

// First returns the most recently added root, which after a finished build
// is the graph's single root.
func (g *Graph) First() *Node {
	if len(g.roots) == 0 {
		return nil
	}
	return g.roots[len(g.roots)-1]
}

// shortType is the part of a translator type after the namespace slash:
// "performance/io-cache" -> "io-cache".
func shortType(t types.TranslatorType) string {
	s := string(t)
	if idx := strings.LastIndexByte(s, '/'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

func (g *Graph) newNode(t types.TranslatorType, name string) *Node {
	n := &Node{Name: name, Type: t, Options: make(map[string]string)}
	g.nodes = append(g.nodes, n)
	return n
}

// AddLeaf appends a node with no children. It becomes a new root alongside
// any existing ones; cluster layers consume such roots in windows.
func (g *Graph) AddLeaf(t types.TranslatorType, name string) *Node {
	n := g.newNode(t, name)
	g.roots = append(g.roots, n)
	return n
}

// Add prepends a node named "<volname>-<shorttype>" over the current root.
func (g *Graph) Add(t types.TranslatorType, volname string) *Node {
	return g.AddAs(t, volname+"-"+shortType(t))
}

// AddAs prepends a node with an explicit name, linking it to the current
// root (if any) and replacing it as the root.
func (g *Graph) AddAs(t types.TranslatorType, name string) *Node {
	n := g.newNode(t, name)
	if len(g.roots) > 0 {
		prev := g.roots[len(g.roots)-1]
		n.Children = append(n.Children, prev)
		g.roots[len(g.roots)-1] = n
	} else {
		g.roots = append(g.roots, n)
	}
	return n
}

// AddOver prepends a node linked to every current root, collapsing the
// graph to a single root. Used by distribute and the NFS server, which sit
// over all current leaves rather than a fixed-size window.
func (g *Graph) AddOver(t types.TranslatorType, name string) *Node {
	n := g.newNode(t, name)
	n.Children = append(n.Children, g.roots...)
	g.roots = []*Node{n}
	return n
}

// BuildClusters groups the oldest childCount roots into windows of
// groupSize, inserting one node of type t per window, named by nameFmt
// ("%s-replicate-%d" style: volname then window ordinal). It returns the
// number of cluster nodes created.
func (g *Graph) BuildClusters(t types.TranslatorType, nameFmt, volname string, childCount, groupSize int) (int, error) {
	if groupSize <= 0 || childCount <= 0 {
		return 0, fmt.Errorf("cluster window: bad counts child=%d group=%d", childCount, groupSize)
	}
	if childCount > len(g.roots) {
		return 0, fmt.Errorf("cluster window: %d children requested, %d available", childCount, len(g.roots))
	}
	if childCount%groupSize != 0 {
		return 0, fmt.Errorf("cluster window: %d children not divisible by group size %d", childCount, groupSize)
	}

	consumed := g.roots[:childCount]
	rest := g.roots[childCount:]
	var created []*Node
	for i := 0; i < childCount/groupSize; i++ {
		n := g.newNode(t, fmt.Sprintf(nameFmt, volname, i))
		n.Children = append(n.Children, consumed[i*groupSize:(i+1)*groupSize]...)
		created = append(created, n)
	}
	g.roots = append(created, rest...)
	return len(created), nil
}

// Merge appends another graph's nodes and roots into g, preserving order.
// The merged subgraph's roots become additional roots of g, ready to be
// linked under a node added with AddOver.
func (g *Graph) Merge(sub *Graph) {
	g.nodes = append(g.nodes, sub.nodes...)
	g.roots = append(g.roots, sub.roots...)
}

// FindByType returns every node of the given translator type, in add order.
func (g *Graph) FindByType(t types.TranslatorType) []*Node {
	var out []*Node
	for _, n := range g.nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// Leaves returns the nodes with no children, in add order.
func (g *Graph) Leaves() []*Node {
	var out []*Node
	for _, n := range g.nodes {
		if len(n.Children) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Equal reports structural equality: same node names, types, options, and
// child edges in the same order.
func (g *Graph) Equal(other *Graph) bool {
	if len(g.nodes) != len(other.nodes) {
		return false
	}
	for i, n := range g.nodes {
		o := other.nodes[i]
		if n.Name != o.Name || n.Type != o.Type || len(n.Options) != len(o.Options) ||
			len(n.Children) != len(o.Children) {
			return false
		}
		for k, v := range n.Options {
			if o.Options[k] != v {
				return false
			}
		}
		for j := range n.Children {
			if n.Children[j].Name != o.Children[j].Name {
				return false
			}
		}
	}
	return true
}

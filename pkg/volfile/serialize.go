package volfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cuemby/brickd/pkg/types"
)

// WriteTo serializes the graph leaves-first. Options are emitted in sorted
// key order so output is deterministic for a given graph.
func (g *Graph) WriteTo(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, n := range g.nodes {
		fmt.Fprintf(bw, "volume %s\n", n.Name)
		fmt.Fprintf(bw, "    type %s\n", n.Type)

		keys := make([]string, 0, len(n.Options))
		for k := range n.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(bw, "    option %s %s\n", k, n.Options[k])
		}

		if len(n.Children) > 0 {
			names := make([]string, len(n.Children))
			for i, c := range n.Children {
				names[i] = c.Name
			}
			fmt.Fprintf(bw, "    subvolumes %s\n", strings.Join(names, " "))
		}
		fmt.Fprintf(bw, "end-volume\n\n")
	}
	return bw.Flush()
}

// String renders the graph as volfile text.
func (g *Graph) String() string {
	var sb strings.Builder
	_ = g.WriteTo(&sb)
	return sb.String()
}

// WriteFile serializes the graph to path via a ".tmp" sibling and rename,
// then runs the filters under filterDir (if any) against the final file.
func (g *Graph) WriteFile(path, filterDir string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("volfile: create %s: %w", tmp, err)
	}
	if err := g.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("volfile: write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("volfile: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("volfile: rename %s -> %s: %w", tmp, path, err)
	}
	if filterDir != "" {
		if err := applyFilters(filterDir, path); err != nil {
			return err
		}
	}
	return nil
}

// Parse reads volfile text back into a graph. Each block must name already
// defined subvolumes, which holds for anything serialized leaves-first.
func Parse(r io.Reader) (*Graph, error) {
	g := NewGraph()
	byName := make(map[string]*Node)
	isChild := make(map[string]bool)

	var cur *Node
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "volume":
			if cur != nil {
				return nil, fmt.Errorf("volfile: line %d: nested volume block", lineno)
			}
			if len(fields) != 2 {
				return nil, fmt.Errorf("volfile: line %d: malformed volume line", lineno)
			}
			if _, dup := byName[fields[1]]; dup {
				return nil, fmt.Errorf("volfile: line %d: duplicate volume %q", lineno, fields[1])
			}
			cur = &Node{Name: fields[1], Options: make(map[string]string)}
		case "type":
			if cur == nil || len(fields) != 2 {
				return nil, fmt.Errorf("volfile: line %d: stray type line", lineno)
			}
			cur.Type = types.TranslatorType(fields[1])
		case "option":
			if cur == nil || len(fields) < 3 {
				return nil, fmt.Errorf("volfile: line %d: malformed option line", lineno)
			}
			cur.Options[fields[1]] = strings.Join(fields[2:], " ")
		case "subvolumes":
			if cur == nil || len(fields) < 2 {
				return nil, fmt.Errorf("volfile: line %d: malformed subvolumes line", lineno)
			}
			for _, name := range fields[1:] {
				child, ok := byName[name]
				if !ok {
					return nil, fmt.Errorf("volfile: line %d: unknown subvolume %q", lineno, name)
				}
				cur.Children = append(cur.Children, child)
				isChild[name] = true
			}
		case "end-volume":
			if cur == nil {
				return nil, fmt.Errorf("volfile: line %d: end-volume outside a block", lineno)
			}
			byName[cur.Name] = cur
			g.nodes = append(g.nodes, cur)
			cur = nil
		default:
			return nil, fmt.Errorf("volfile: line %d: unrecognized directive %q", lineno, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if cur != nil {
		return nil, fmt.Errorf("volfile: unterminated volume block %q", cur.Name)
	}
	for _, n := range g.nodes {
		if !isChild[n.Name] {
			g.roots = append(g.roots, n)
		}
	}
	return g, nil
}

package volfile

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/cuemby/brickd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeFormat(t *testing.T) {
	g := NewGraph()
	c := g.AddLeaf(types.XlatorProtocolClient, "gv0-client-0")
	c.SetOption("remote-host", "host1")
	c.SetOption("remote-subvolume", "/export/b1")
	g.AddAs(types.XlatorIOStats, "gv0")

	text := g.String()
	want := "volume gv0-client-0\n" +
		"    type protocol/client\n" +
		"    option remote-host host1\n" +
		"    option remote-subvolume /export/b1\n" +
		"end-volume\n" +
		"\n" +
		"volume gv0\n" +
		"    type debug/io-stats\n" +
		"    subvolumes gv0-client-0\n" +
		"end-volume\n\n"
	assert.Equal(t, want, text)
}

func TestParseRoundTrip(t *testing.T) {
	b := &Builder{WorkDir: "/var/lib/brickd"}
	v := replVolume("gv0", 2, "/export/b1", "/export/b2", "/export/b3", "/export/b4")
	v.Options["performance.cache-size"] = "32MB"

	g, err := b.BuildClient(v, v.Transport, nil)
	require.NoError(t, err)

	parsed, err := Parse(strings.NewReader(g.String()))
	require.NoError(t, err)
	assert.True(t, g.Equal(parsed), "parse(serialize(G)) differs from G")

	// Serializing the parsed graph reproduces the text exactly.
	assert.Equal(t, g.String(), parsed.String())
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"unknown subvolume": "volume a\n    type debug/io-stats\n    subvolumes ghost\nend-volume\n",
		"unterminated":      "volume a\n    type debug/io-stats\n",
		"nested":            "volume a\nvolume b\n",
		"stray end":         "end-volume\n",
		"duplicate":         "volume a\n    type t/x\nend-volume\nvolume a\n    type t/x\nend-volume\n",
		"bad directive":     "volume a\n    typ t/x\nend-volume\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(text))
			assert.Error(t, err)
		})
	}
}

func TestParseOptionValueWithSpaces(t *testing.T) {
	text := "volume a\n    type cluster/distribute\n    option decommissioned-bricks a-replicate-0 a-replicate-1\nend-volume\n"
	g, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, "a-replicate-0 a-replicate-1", g.Nodes()[0].Options["decommissioned-bricks"])
}

func TestWriteFileAtomicAndFiltered(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("filter scripts need a shell")
	}
	dir := t.TempDir()
	filterDir := filepath.Join(dir, "filters")
	require.NoError(t, os.MkdirAll(filterDir, 0o755))

	// An executable filter that appends a marker line in place.
	script := "#!/bin/sh\necho '# filtered' >> \"$1\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(filterDir, "10-mark"), []byte(script), 0o755))
	// A non-executable file is skipped, not executed.
	require.NoError(t, os.WriteFile(filepath.Join(filterDir, "notes.txt"), []byte("ignore"), 0o644))

	g := NewGraph()
	g.AddLeaf(types.XlatorIOStats, "gv0")

	path := filepath.Join(dir, "gv0.vol")
	require.NoError(t, g.WriteFile(path, filterDir))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "# filtered\n"))

	// No tmp file remains after the rename.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestGraphClusterWindows(t *testing.T) {
	g := NewGraph()
	for i := 0; i < 6; i++ {
		g.AddLeaf(types.XlatorProtocolClient, "c"+string(rune('0'+i)))
	}
	created, err := g.BuildClusters(types.XlatorReplicate, "%s-replicate-%d", "v", 6, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	// Non-divisible windows are rejected.
	g2 := NewGraph()
	for i := 0; i < 3; i++ {
		g2.AddLeaf(types.XlatorProtocolClient, "x"+string(rune('0'+i)))
	}
	_, err = g2.BuildClusters(types.XlatorReplicate, "%s-replicate-%d", "v", 3, 2)
	assert.Error(t, err)
}

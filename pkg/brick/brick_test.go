package brick

import (
	"context"
	"crypto/md5"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/brickd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortMapAllocStable(t *testing.T) {
	m := NewPortMap()

	p1, err := m.Alloc("/export/b1")
	require.NoError(t, err)
	assert.Equal(t, BasePort, p1)

	p2, err := m.Alloc("/export/b2")
	require.NoError(t, err)
	assert.Equal(t, BasePort+1, p2)

	// A known path keeps its port.
	again, err := m.Alloc("/export/b1")
	require.NoError(t, err)
	assert.Equal(t, p1, again)

	path, ok := m.LookupPort(p2)
	require.True(t, ok)
	assert.Equal(t, "/export/b2", path)

	m.Release("/export/b1")
	_, ok = m.Lookup("/export/b1")
	assert.False(t, ok)
}

func TestPortMapRestoreAdvancesCursor(t *testing.T) {
	m := NewPortMap()
	m.Restore("/export/old", BasePort+10)

	p, err := m.Alloc("/export/new")
	require.NoError(t, err)
	assert.Equal(t, BasePort+11, p)
}

func TestSocketPathIsHashedSourcePath(t *testing.T) {
	b := types.Brick{Hostname: "host1", Path: "/export/b1"}
	got := SocketPath("/tmp", "/var/lib/brickd", "gv0", b)

	src := "/var/lib/brickd/vols/gv0/run/host1--export-b1"
	want := filepath.Join("/tmp", fmt.Sprintf("%x.socket", md5.Sum([]byte(src))))
	assert.Equal(t, want, got)
}

func TestPidfilePathHyphenatesExportPath(t *testing.T) {
	b := types.Brick{Hostname: "host1", Path: "/export/b1"}
	got := PidfilePath("/var/lib/brickd", "gv0", b)
	assert.Equal(t, "/var/lib/brickd/vols/gv0/run/host1--export-b1.pid", got)
}

func testSupervisor(t *testing.T) (*Supervisor, *types.Volume, *types.Brick) {
	t.Helper()
	dir := t.TempDir()
	s := &Supervisor{
		WorkDir:    filepath.Join(dir, "work"),
		TmpDir:     filepath.Join(dir, "tmp"),
		LogDir:     filepath.Join(dir, "log"),
		Executable: "/bin/sleep",
		// ConnectTimeout zero: no control socket in tests.
		Ports: NewPortMap(),
	}
	require.NoError(t, os.MkdirAll(s.TmpDir, 0o755))
	v := &types.Volume{Name: "gv0", ID: "11111111-2222-3333-4444-555555555555"}
	b := &types.Brick{Hostname: "host1", Path: "/export/b1"}
	return s, v, b
}

func TestSupervisorStartStop(t *testing.T) {
	s, v, b := testSupervisor(t)

	// A wrapper script that ignores the brick flags but stays alive.
	script := filepath.Join(t.TempDir(), "fakebrick")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755))
	s.Executable = script

	require.NoError(t, s.Start(v, b, "/dev/null", nil))
	assert.Equal(t, types.BrickStarted, b.Status)
	assert.Equal(t, BasePort, b.Port)

	running, pid := s.IsRunning(v.Name, *b)
	require.True(t, running)
	assert.Greater(t, pid, 0)

	// Starting an already-running brick succeeds without a second spawn.
	require.NoError(t, s.Start(v, b, "/dev/null", nil))
	running2, pid2 := s.IsRunning(v.Name, *b)
	require.True(t, running2)
	assert.Equal(t, pid, pid2)

	require.NoError(t, s.Stop(v, b, false))
	assert.Equal(t, types.BrickStopped, b.Status)

	running, _ = s.IsRunning(v.Name, *b)
	assert.False(t, running)
	_, err := os.Stat(PidfilePath(s.WorkDir, v.Name, *b))
	assert.True(t, os.IsNotExist(err))
}

func TestSupervisorStopMissingPidfileIsNoop(t *testing.T) {
	s, v, b := testSupervisor(t)
	require.NoError(t, os.MkdirAll(runDir(s.WorkDir, v.Name), 0o755))
	assert.NoError(t, s.Stop(v, b, false))
}

func TestSupervisorStalePidfile(t *testing.T) {
	s, v, b := testSupervisor(t)
	require.NoError(t, os.MkdirAll(runDir(s.WorkDir, v.Name), 0o755))

	// A pid that cannot exist: beyond pid_max defaults.
	pidfile := PidfilePath(s.WorkDir, v.Name, *b)
	require.NoError(t, os.WriteFile(pidfile, []byte("99999999\n"), 0o644))

	running, _ := s.IsRunning(v.Name, *b)
	assert.False(t, running)

	// Stop cleans the stale pidfile up without error.
	require.NoError(t, s.Stop(v, b, false))
	_, err := os.Stat(pidfile)
	assert.True(t, os.IsNotExist(err))
}

func TestHealthChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	h := NewHealthChecker("127.0.0.1", addr.Port)
	res := h.Check(context.Background())
	assert.True(t, res.Healthy)

	ln.Close()
	h2 := NewHealthChecker("127.0.0.1", addr.Port)
	h2.Timeout = 500 * time.Millisecond
	res2 := h2.Check(context.Background())
	assert.False(t, res2.Healthy)
}

func TestVolfileID(t *testing.T) {
	b := types.Brick{Hostname: "host1", Path: "/export/b1"}
	assert.Equal(t, "gv0.host1.-export-b1", VolfileID("gv0", b))
}

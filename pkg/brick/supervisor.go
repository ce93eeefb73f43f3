package brick

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/cuemby/brickd/pkg/log"
	"github.com/cuemby/brickd/pkg/metrics"
	"github.com/cuemby/brickd/pkg/types"
)

// Supervisor starts and stops brick server processes.
type Supervisor struct {
	// WorkDir is the daemon work directory (pidfiles live under it).
	WorkDir string
	// TmpDir holds the hashed Unix control sockets.
	TmpDir string
	// LogDir is where brick logs go when the brick has no LogFile set.
	LogDir string
	// Executable is the brick server binary to spawn.
	Executable string
	// ConnectTimeout bounds the post-spawn control-socket connect. Zero
	// skips the connect step entirely.
	ConnectTimeout time.Duration

	Ports *PortMap
}

// NewSupervisor wires a supervisor with the standard directory layout.
func NewSupervisor(workDir, tmpDir, logDir, executable string) *Supervisor {
	return &Supervisor{
		WorkDir:        workDir,
		TmpDir:         tmpDir,
		LogDir:         logDir,
		Executable:     executable,
		ConnectTimeout: 5 * time.Second,
		Ports:          NewPortMap(),
	}
}

func (s *Supervisor) logFile(volName string, b types.Brick) string {
	if b.LogFile != "" {
		return b.LogFile
	}
	base := b.Hostname + "-" + strings.ReplaceAll(b.Path, "/", "-") + ".log"
	return filepath.Join(s.LogDir, volName, base)
}

// Start spawns the server process for one brick. If another holder has the
// pidfile lock the brick is treated as already running and Start degrades
// to the connect step.
func (s *Supervisor) Start(v *types.Volume, b *types.Brick, volfilePath string, xlatorOptions map[string]string) error {
	logger := log.WithBrick(b.Key())

	if err := os.MkdirAll(runDir(s.WorkDir, v.Name), 0o755); err != nil {
		return fmt.Errorf("brick %s: create run dir: %w", b.Key(), err)
	}

	pidfile := PidfilePath(s.WorkDir, v.Name, *b)
	lock := flock.New(pidfile + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("brick %s: pidfile lock: %w", b.Key(), err)
	}
	if !locked {
		logger.Info().Msg("pidfile lock busy, brick already starting or running")
		return s.connect(v.Name, *b)
	}
	defer lock.Unlock()

	if running, pid := s.IsRunning(v.Name, *b); running {
		logger.Info().Int("pid", pid).Msg("brick already running")
		b.Status = types.BrickStarted
		return s.connect(v.Name, *b)
	}

	port, err := s.Ports.Alloc(b.Path)
	if err != nil {
		return fmt.Errorf("brick %s: %w", b.Key(), err)
	}
	b.Port = port

	logFile := s.logFile(v.Name, *b)
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return fmt.Errorf("brick %s: create log dir: %w", b.Key(), err)
	}

	args := []string{
		"--volfile", volfilePath,
		"--volfile-id", VolfileID(v.Name, *b),
		"--pid-file", pidfile,
		"--socket-file", SocketPath(s.TmpDir, s.WorkDir, v.Name, *b),
		"--brick-name", b.Path,
		"--log-file", logFile,
		"--brick-port", strconv.Itoa(port),
	}
	for k, val := range xlatorOptions {
		args = append(args, "--xlator-option", k+"="+val)
	}

	cmd := exec.Command(s.Executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		s.Ports.Release(b.Path)
		return fmt.Errorf("brick %s: spawn %s: %w", b.Key(), s.Executable, err)
	}
	pid := cmd.Process.Pid
	// The child is detached; reap it in the background so it never zombies.
	go func() { _, _ = cmd.Process.Wait() }()

	if err := os.WriteFile(pidfile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		_ = cmd.Process.Kill()
		s.Ports.Release(b.Path)
		return fmt.Errorf("brick %s: write pidfile: %w", b.Key(), err)
	}

	logger.Info().Int("pid", pid).Int("port", port).Msg("brick started")
	b.Status = types.BrickStarted
	metrics.BrickProcessUp.WithLabelValues(b.Key()).Set(1)
	return s.connect(v.Name, *b)
}

// connect dials the brick's Unix control socket, retrying until the brick
// begins listening or the timeout lapses.
func (s *Supervisor) connect(volName string, b types.Brick) error {
	if s.ConnectTimeout == 0 {
		return nil
	}
	socket := SocketPath(s.TmpDir, s.WorkDir, volName, b)
	deadline := time.Now().Add(s.ConnectTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", socket, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("brick %s: connect %s: %w", b.Key(), socket, lastErr)
}

// readPid reads a pidfile, reporting ok=false when it does not exist.
func readPid(pidfile string) (int, bool, error) {
	data, err := os.ReadFile(pidfile)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("pidfile %s: %w", pidfile, err)
	}
	return pid, true, nil
}

// IsRunning reports whether the brick's recorded process is alive, and its
// pid if so.
func (s *Supervisor) IsRunning(volName string, b types.Brick) (bool, int) {
	pid, ok, err := readPid(PidfilePath(s.WorkDir, volName, b))
	if err != nil || !ok {
		return false, 0
	}
	// Signal 0 probes for existence without delivering anything.
	if err := syscall.Kill(pid, 0); err != nil {
		return false, 0
	}
	return true, pid
}

// Stop terminates the brick's process: SIGTERM (SIGKILL when force), a
// short grace wait, then SIGKILL if it is still alive. The pidfile and
// control socket are removed on success. A missing pidfile means the brick
// is not running and is not an error.
func (s *Supervisor) Stop(v *types.Volume, b *types.Brick, force bool) error {
	logger := log.WithBrick(b.Key())
	pidfile := PidfilePath(s.WorkDir, v.Name, *b)

	lock := flock.New(pidfile + ".lock")
	if locked, err := lock.TryLock(); err == nil && locked {
		defer lock.Unlock()
	}

	pid, ok, err := readPid(pidfile)
	if err != nil {
		return fmt.Errorf("brick %s: %w", b.Key(), err)
	}
	if ok {
		sig := syscall.SIGTERM
		if force {
			sig = syscall.SIGKILL
		}
		if err := syscall.Kill(pid, sig); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("brick %s: signal pid %d: %w", b.Key(), pid, err)
		}
		if !waitGone(pid, 2*time.Second) {
			logger.Warn().Int("pid", pid).Msg("brick ignored SIGTERM, escalating to SIGKILL")
			_ = syscall.Kill(pid, syscall.SIGKILL)
			waitGone(pid, 2*time.Second)
		}
	}

	if err := os.Remove(pidfile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("brick %s: remove pidfile: %w", b.Key(), err)
	}
	socket := SocketPath(s.TmpDir, s.WorkDir, v.Name, *b)
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("brick %s: remove socket: %w", b.Key(), err)
	}
	_ = os.Remove(pidfile + ".lock")

	s.Ports.Release(b.Path)
	b.Status = types.BrickStopped
	metrics.BrickProcessUp.WithLabelValues(b.Key()).Set(0)
	logger.Info().Msg("brick stopped")
	return nil
}

func waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

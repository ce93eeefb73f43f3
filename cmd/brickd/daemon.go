package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/brickd/pkg/brick"
	"github.com/cuemby/brickd/pkg/config"
	"github.com/cuemby/brickd/pkg/events"
	"github.com/cuemby/brickd/pkg/log"
	"github.com/cuemby/brickd/pkg/metrics"
	"github.com/cuemby/brickd/pkg/opsm"
	"github.com/cuemby/brickd/pkg/peer"
	"github.com/cuemby/brickd/pkg/rpc"
	"github.com/cuemby/brickd/pkg/store"
	"github.com/cuemby/brickd/pkg/types"
	"github.com/cuemby/brickd/pkg/volfile"
	"github.com/cuemby/brickd/pkg/volume"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the cluster management daemon",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon and serve until SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if workDir, _ := cmd.Flags().GetString("work-dir"); workDir != "" {
			cfg.WorkDir = workDir
		}
		return runDaemon(cfg)
	},
}

func init() {
	daemonRunCmd.Flags().String("config", "/etc/brickd/brickd.yaml", "Configuration file")
	daemonRunCmd.Flags().String("work-dir", "", "Override the work directory")
	daemonCmd.AddCommand(daemonRunCmd)
}

// clusterView adapts the daemon's state onto the metrics collector.
type clusterView struct {
	env *opsm.Env
	sm  *opsm.StateMachine
}

func (cv *clusterView) ListPeers() ([]*types.Peer, error) {
	return cv.env.Peers.All(), nil
}

func (cv *clusterView) ListVolumes() ([]*types.Volume, error) {
	var out []*types.Volume
	cv.env.Model.Iter(func(v *types.Volume) { out = append(out, v) })
	return out, nil
}

func (cv *clusterView) LockHolder() (types.PeerID, bool) {
	holder := cv.sm.ClusterLock().Holder()
	return holder, holder != ""
}

// selfUUID reads or creates this peer's identity under the work dir.
func selfUUID(workDir string) (types.PeerID, error) {
	path := filepath.Join(workDir, "uuid")
	data, err := os.ReadFile(path)
	if err == nil {
		return types.PeerID(strings.TrimSpace(string(data))), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return types.PeerID(id), nil
}

func runDaemon(cfg *config.Config) error {
	logger := log.WithComponent("daemon")

	st, err := store.New(cfg.WorkDir)
	if err != nil {
		return err
	}
	selfID, err := selfUUID(cfg.WorkDir)
	if err != nil {
		return err
	}

	peers, vols, err := st.Recover()
	if err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	logger.Info().
		Str("uuid", string(selfID)).
		Int("peers", len(peers)).
		Int("volumes", len(vols)).
		Msg("state recovered")

	cache, err := store.OpenCache(cfg.WorkDir)
	if err != nil {
		return err
	}
	defer cache.Close()
	if err := cache.Rebuild(peers, vols); err != nil {
		return fmt.Errorf("rebuild cache: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	registry := peer.NewRegistry(st, broker)
	registry.Restore(peers)

	caller := rpc.NewClient(cfg.RPCPort)
	defer caller.Close()

	env := &opsm.Env{
		SelfID:   selfID,
		Hostname: cfg.Hostname,
		WorkDir:  cfg.WorkDir,
		Store:    st,
		Peers:    registry,
		Broker:   broker,
		Volfiles: &volfile.Builder{WorkDir: cfg.WorkDir, FilterDir: cfg.FilterDir},
	}
	env.Bricks = brick.NewSupervisor(cfg.WorkDir, cfg.TmpDir, cfg.LogDir, cfg.BrickExecutable)

	sm := opsm.New(env, caller)
	env.Model = volume.NewModel(func() bool { return sm.ClusterLock().Holder() != "" })
	for _, v := range vols {
		env.Model.Restore(v)
	}

	srv := rpc.NewServer(sm, registry, caller)

	collector := metrics.NewCollector(&clusterView{env: env, sm: sm}, selfID)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(version)
	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("opsm", true, "")
	metrics.RegisterComponent("rpc", true, "")
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/health", metrics.HealthHandler())
			mux.HandleFunc("/ready", metrics.ReadyHandler())
			mux.HandleFunc("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	// SIGTERM releases the cluster lock and rejects any pending context
	// before the process exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		sm.Shutdown()
		srv.Stop()
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Msg("brickd starting")
	return srv.Start(cfg.ListenAddr)
}

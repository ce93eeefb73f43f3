package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/brickd/pkg/log"
	"github.com/cuemby/brickd/pkg/rpc"
	"github.com/cuemby/brickd/pkg/types"
)

var (
	version = "0.1.0"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "brickd",
	Short:   "Distributed storage cluster management daemon",
	Long:    `brickd manages a trusted pool of storage peers: volume lifecycle, brick processes, volfile generation, and the cluster operation state machine.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("server", "localhost", "Daemon to talk to for CLI commands")
	rootCmd.PersistentFlags().Int("port", rpc.DefaultPort, "Daemon management port")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(volumeCmd)

	cobra.OnInitialize(func() {
		logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
		logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	})
}

// cliClient dials the daemon the CLI operates against.
func cliClient(cmd *cobra.Command) (*rpc.Client, string) {
	host, _ := cmd.Flags().GetString("server")
	port, _ := cmd.Flags().GetInt("port")
	return rpc.NewClient(port), host
}

// submit runs one operation on the daemon and prints the outcome.
func submit(cmd *cobra.Command, op types.OpKind, dict types.Dict) error {
	client, host := cliClient(cmd)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	resp, err := client.Submit(ctx, host, op, dict)
	if err != nil {
		return err
	}
	for _, w := range resp.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	fmt.Printf("%s: success\n", op)
	return nil
}

// --- peer commands ---

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Manage trusted pool membership",
}

var peerProbeCmd = &cobra.Command{
	Use:   "probe <hostname>",
	Short: "Probe a host into the trusted pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, host := cliClient(cmd)
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := client.PeerProbe(ctx, host, args[0])
		if err != nil {
			return fmt.Errorf("probe %s: %w", args[0], err)
		}
		fmt.Printf("probe %s: success (uuid %s)\n", args[0], resp.UUID)
		return nil
	},
}

var peerDetachCmd = &cobra.Command{
	Use:   "detach <hostname|uuid>",
	Short: "Remove a peer from the trusted pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, host := cliClient(cmd)
		defer client.Close()

		force, _ := cmd.Flags().GetBool("force")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.PeerDetach(ctx, host, args[0], force); err != nil {
			return fmt.Errorf("detach %s: %w", args[0], err)
		}
		fmt.Printf("detach %s: success\n", args[0])
		return nil
	},
}

func init() {
	peerDetachCmd.Flags().Bool("force", false, "Detach even with volumes present")
	peerCmd.AddCommand(peerProbeCmd)
	peerCmd.AddCommand(peerDetachCmd)
}

// --- volume commands ---

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Manage volumes",
}

var volumeCreateCmd = &cobra.Command{
	Use:   "create <volname> <host:/path>...",
	Short: "Create a volume over the given bricks",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		replica, _ := cmd.Flags().GetInt("replica")
		stripe, _ := cmd.Flags().GetInt("stripe")
		transport, _ := cmd.Flags().GetString("transport")

		dict := types.Dict{
			"volname":   args[0],
			"bricks":    strings.Join(args[1:], " "),
			"transport": transport,
		}
		if replica > 1 {
			dict["replica-count"] = fmt.Sprintf("%d", replica)
		}
		if stripe > 1 {
			dict["stripe-count"] = fmt.Sprintf("%d", stripe)
		}
		return submit(cmd, types.OpCreateVolume, dict)
	},
}

var volumeStartCmd = &cobra.Command{
	Use:   "start <volname>",
	Short: "Start a volume's brick processes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dict := types.Dict{"volname": args[0]}
		if force, _ := cmd.Flags().GetBool("force"); force {
			dict["force"] = "on"
		}
		return submit(cmd, types.OpStartVolume, dict)
	},
}

var volumeStopCmd = &cobra.Command{
	Use:   "stop <volname>",
	Short: "Stop a volume's brick processes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dict := types.Dict{"volname": args[0]}
		if force, _ := cmd.Flags().GetBool("force"); force {
			dict["force"] = "on"
		}
		return submit(cmd, types.OpStopVolume, dict)
	},
}

var volumeDeleteCmd = &cobra.Command{
	Use:   "delete <volname>",
	Short: "Delete a stopped volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, types.OpDeleteVolume, types.Dict{"volname": args[0]})
	},
}

var volumeAddBrickCmd = &cobra.Command{
	Use:   "add-brick <volname> <host:/path>...",
	Short: "Add bricks to a volume",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, types.OpAddBrick, types.Dict{
			"volname": args[0],
			"bricks":  strings.Join(args[1:], " "),
		})
	},
}

var volumeRemoveBrickCmd = &cobra.Command{
	Use:   "remove-brick <volname> <host:/path>...",
	Short: "Remove bricks from a volume",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		command, _ := cmd.Flags().GetString("command")
		return submit(cmd, types.OpRemoveBrick, types.Dict{
			"volname": args[0],
			"bricks":  strings.Join(args[1:], " "),
			"command": command,
		})
	},
}

var volumeReplaceBrickCmd = &cobra.Command{
	Use:   "replace-brick <volname> <src-brick> <dst-brick> <start|pause|abort|commit|commit-force|status>",
	Short: "Replace one brick with another",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, types.OpReplaceBrick, types.Dict{
			"volname":   args[0],
			"src-brick": args[1],
			"dst-brick": args[2],
			"operation": args[3],
		})
	},
}

var volumeSetCmd = &cobra.Command{
	Use:   "set <volname> <key> <value>",
	Short: "Set a volume option",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, types.OpSetOption, types.Dict{
			"volname": args[0],
			"key":     args[1],
			"value":   args[2],
		})
	},
}

var volumeResetCmd = &cobra.Command{
	Use:   "reset <volname> [key]",
	Short: "Reset one volume option, or all of them",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dict := types.Dict{"volname": args[0], "key": ""}
		if len(args) == 2 {
			dict["key"] = args[1]
		}
		return submit(cmd, types.OpResetOption, dict)
	},
}

var volumeRebalanceCmd = &cobra.Command{
	Use:   "rebalance <volname> <start|stop|status|fix-layout>",
	Short: "Rebalance data across a volume's subvolumes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, types.OpRebalance, types.Dict{
			"volname":           args[0],
			"rebalance-command": args[1],
		})
	},
}

var volumeLogRotateCmd = &cobra.Command{
	Use:   "log-rotate <volname>",
	Short: "Rotate a started volume's brick logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, types.OpLogRotate, types.Dict{"volname": args[0]})
	},
}

func init() {
	volumeCreateCmd.Flags().Int("replica", 0, "Replica count")
	volumeCreateCmd.Flags().Int("stripe", 0, "Stripe count")
	volumeCreateCmd.Flags().String("transport", "tcp", "Transport type (tcp, rdma, tcp,rdma)")
	volumeStartCmd.Flags().Bool("force", false, "Start even if already started")
	volumeStopCmd.Flags().Bool("force", false, "Stop with SIGKILL")
	volumeRemoveBrickCmd.Flags().String("command", "commit", "Remove-brick command (start, status, commit, commit-force)")

	volumeCmd.AddCommand(volumeCreateCmd)
	volumeCmd.AddCommand(volumeStartCmd)
	volumeCmd.AddCommand(volumeStopCmd)
	volumeCmd.AddCommand(volumeDeleteCmd)
	volumeCmd.AddCommand(volumeAddBrickCmd)
	volumeCmd.AddCommand(volumeRemoveBrickCmd)
	volumeCmd.AddCommand(volumeReplaceBrickCmd)
	volumeCmd.AddCommand(volumeSetCmd)
	volumeCmd.AddCommand(volumeResetCmd)
	volumeCmd.AddCommand(volumeRebalanceCmd)
	volumeCmd.AddCommand(volumeLogRotateCmd)
}

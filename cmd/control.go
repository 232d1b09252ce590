package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Long: `Stop the daemon gracefully.

The daemon is found through its PID file and receives SIGTERM. It closes the
data socket, stops the metrics server and removes the PID file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}
		return runStop(client, cmd.OutOrStdout())
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Ask the running daemon to reload its configuration (SIGHUP).

Log settings, the tx address and port, QoS and fault injection are applied
immediately. The rx port, metrics listener and ping period need a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := daemonClient()
		if err != nil {
			return err
		}
		return runReload(client, cmd.OutOrStdout())
	},
}

func runStop(client DaemonClient, out io.Writer) error {
	if err := client.Stop(); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	fmt.Fprintln(out, "✓ Stop signal sent")
	return nil
}

func runReload(client DaemonClient, out io.Writer) error {
	if err := client.Reload(); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration reload requested")
	return nil
}

// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	pidFile    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "arnet",
	Short: "arnet - UDP transport for device control links",
	Long: `arnet runs the UDP transport of a device-control protocol stack.

It frames commands and acknowledgments over a single UDP socket, tracks
link health with ping/pong, and provides tooling around the wire format:

  - listen:   run the controller-side transport daemon
  - simulate: run a device-side peer that answers pings and acks
  - send:     send one frame to a peer
  - inspect:  decode frames from a pcap capture
  - ids:      print the transport-ID namespace`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (built-in defaults and environment when empty)")
	rootCmd.PersistentFlags().StringVarP(&pidFile, "pidfile", "p", "",
		"daemon PID file path (overrides control.pid_file)")

	// Add subcommands
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(idsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(validateCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

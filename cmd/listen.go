package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/arnet/internal/config"
	"firestige.xyz/arnet/internal/daemon"
	"firestige.xyz/arnet/internal/frame"
	"firestige.xyz/arnet/internal/log"
)

// listenCmd represents the daemon command
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run the transport daemon in foreground",
	Long: `Run the net transport in foreground.

The daemon will:
  1. Load configuration from the config file and environment
  2. Initialize logging and metrics
  3. Bind the data socket and start the event loop
  4. Ping the device every ping period and track the link status
  5. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)

Examples:
  arnet listen
  arnet listen -c /etc/arnet/arnet.yml
  ARNET_TRANSPORT_TX_ADDR=10.0.0.2 arnet listen`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if pidFile != "" {
		cfg.Control.PIDFile = pidFile
	}
	return cfg, nil
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d := daemon.New(cfg, configFile)
	d.SetHandler(func(h frame.Header, payload []byte) {
		log.GetLogger().WithField("id", h.ID.String()).
			WithField("seq", h.Seq).
			Infof("received %d bytes", len(payload))
	})

	// Start all components
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}
